package fix

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Dictionary 是编解码层使用的数据字典查询接口.
type Dictionary interface {
	IsHeaderField(tag int) bool
	IsTrailerField(tag int) bool
	MessageFields(msgType string) []FieldDef
}

// FieldDef 描述消息中的一个字段定义.
type FieldDef struct {
	Name     string `json:"name"`
	Tag      int    `json:"tag"`
	Required bool   `json:"required"`
}

// FieldSpec 描述字典中的一个字段.
type FieldSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Tag  int    `json:"tag"`
}

// MessageSpec 描述字典中的一种消息.
type MessageSpec struct {
	MsgType string     `json:"msgtype"`
	Name    string     `json:"name"`
	Fields  []FieldDef `json:"fields"`
}

type dictionaryFile struct {
	Header   []tagValue    `json:"header"`
	Trailer  []tagValue    `json:"trailer"`
	Messages []MessageSpec `json:"messages"`
	Fields   []rawField    `json:"fields"`
}

// tagValue 兼容字典文件中以数字或字符串书写的 tag.
type tagValue int

func (t *tagValue) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*t = tagValue(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid tag %q: %w", s, err)
	}
	*t = tagValue(n)
	return nil
}

// UnmarshalJSON 允许 tag 以字符串书写.
func (f *FieldDef) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name     string   `json:"name"`
		Tag      tagValue `json:"tag"`
		Required bool     `json:"required"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	f.Name, f.Tag, f.Required = raw.Name, int(raw.Tag), raw.Required
	return nil
}

type rawField struct {
	Name string   `json:"name"`
	Type string   `json:"type"`
	Tag  tagValue `json:"tag"`
}

// DataDictionary 是从 JSON 文件加载的数据字典.
type DataDictionary struct {
	fields         map[int]FieldSpec
	fieldsByName   map[string]FieldSpec
	messages       map[string]MessageSpec
	messagesByName map[string]MessageSpec
	header         map[int]struct{}
	trailer        map[int]struct{}
	Version        string
}

// NewDataDictionary 创建空字典.
func NewDataDictionary(version string) *DataDictionary {
	return &DataDictionary{
		Version:        version,
		fields:         make(map[int]FieldSpec),
		fieldsByName:   make(map[string]FieldSpec),
		messages:       make(map[string]MessageSpec),
		messagesByName: make(map[string]MessageSpec),
		header:         make(map[int]struct{}),
		trailer:        make(map[int]struct{}),
	}
}

// LoadDictionary 从已解析好的文件路径加载字典，路径由配置提供.
func LoadDictionary(version, path string) (*DataDictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load dictionary from %s: %w", path, err)
	}
	d := NewDataDictionary(version)
	if err := d.LoadJSON(data); err != nil {
		return nil, fmt.Errorf("failed to load dictionary from %s: %w", path, err)
	}
	return d, nil
}

// LoadJSON 合并一份 JSON 字典内容.
func (d *DataDictionary) LoadJSON(data []byte) error {
	var file dictionaryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, t := range file.Header {
		d.header[int(t)] = struct{}{}
	}
	for _, t := range file.Trailer {
		d.trailer[int(t)] = struct{}{}
	}
	for _, f := range file.Fields {
		fs := FieldSpec{Name: f.Name, Type: f.Type, Tag: int(f.Tag)}
		d.fields[fs.Tag] = fs
		d.fieldsByName[fs.Name] = fs
	}
	for _, m := range file.Messages {
		d.messages[m.MsgType] = m
		d.messagesByName[m.Name] = m
	}
	return nil
}

func (d *DataDictionary) IsHeaderField(tag int) bool {
	_, ok := d.header[tag]
	return ok
}

func (d *DataDictionary) IsTrailerField(tag int) bool {
	_, ok := d.trailer[tag]
	return ok
}

// MessageFields 返回消息定义的字段列表，未知消息返回 nil.
func (d *DataDictionary) MessageFields(msgType string) []FieldDef {
	return d.messages[msgType].Fields
}

func (d *DataDictionary) Field(tag int) (FieldSpec, bool) {
	f, ok := d.fields[tag]
	return f, ok
}

func (d *DataDictionary) FieldByName(name string) (FieldSpec, bool) {
	f, ok := d.fieldsByName[name]
	return f, ok
}

func (d *DataDictionary) Message(msgType string) (MessageSpec, bool) {
	m, ok := d.messages[msgType]
	return m, ok
}

func (d *DataDictionary) MessageByName(name string) (MessageSpec, bool) {
	m, ok := d.messagesByName[name]
	return m, ok
}

// IsRequiredField 判断 tag 是否为 msgType 的必填字段.
func (d *DataDictionary) IsRequiredField(msgType string, tag int) bool {
	for _, f := range d.messages[msgType].Fields {
		if f.Tag == tag {
			return f.Required
		}
	}
	return false
}
