package fix

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrFieldNotFound 字段不存在.
	ErrFieldNotFound = errors.New("field not found")
	// ErrGroupNotFound 重复组实例不存在.
	ErrGroupNotFound = errors.New("group not found")
)

// Field 是一个 tag=value 对.
type Field struct {
	Value string
	Tag   int
}

func (f Field) String() string {
	return strconv.Itoa(f.Tag) + "=" + f.Value
}

// FieldMap 保存按插入顺序排列的字段以及重复组.
// 同一个 tag 不会同时作为普通字段和重复组出现.
type FieldMap struct {
	fields map[int]string
	groups map[int][]*Group
	order  []int
	gorder []int
}

// NewFieldMap 创建一个空的 FieldMap.
func NewFieldMap() *FieldMap {
	return &FieldMap{
		fields: make(map[int]string),
		groups: make(map[int][]*Group),
	}
}

func (m *FieldMap) lazyInit() {
	if m.fields == nil {
		m.fields = make(map[int]string)
	}
	if m.groups == nil {
		m.groups = make(map[int][]*Group)
	}
}

// SetField 设置字段，已存在的 tag 保留原有位置.
func (m *FieldMap) SetField(tag int, value string) {
	m.lazyInit()
	if _, ok := m.groups[tag]; ok {
		m.removeGroup(tag)
	}
	if _, ok := m.fields[tag]; !ok {
		m.order = append(m.order, tag)
	}
	m.fields[tag] = value
}

// SetInt 以十进制写入整数字段.
func (m *FieldMap) SetInt(tag, value int) {
	m.SetField(tag, strconv.Itoa(value))
}

// Get 获取字段值，不存在时返回 ErrFieldNotFound.
func (m *FieldMap) Get(tag int) (string, error) {
	v, ok := m.fields[tag]
	if !ok {
		return "", fmt.Errorf("%w: tag %d", ErrFieldNotFound, tag)
	}
	return v, nil
}

// GetString 获取字段值，不存在时返回空串.
func (m *FieldMap) GetString(tag int) string {
	return m.fields[tag]
}

// GetInt 获取整数字段.
func (m *FieldMap) GetInt(tag int) (int, error) {
	v, err := m.Get(tag)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("tag %d is not an integer: %w", tag, err)
	}
	return n, nil
}

// Has 判断字段是否存在.
func (m *FieldMap) Has(tag int) bool {
	_, ok := m.fields[tag]
	return ok
}

// Remove 删除字段.
func (m *FieldMap) Remove(tag int) {
	if _, ok := m.fields[tag]; !ok {
		return
	}
	delete(m.fields, tag)
	m.order = deleteTag(m.order, tag)
}

// Fields 按插入顺序返回全部字段.
func (m *FieldMap) Fields() []Field {
	out := make([]Field, 0, len(m.order))
	for _, tag := range m.order {
		out = append(out, Field{Tag: tag, Value: m.fields[tag]})
	}
	return out
}

// Len 返回普通字段个数.
func (m *FieldMap) Len() int {
	return len(m.order)
}

// AddGroup 追加一个重复组实例.
func (m *FieldMap) AddGroup(tag int, g *Group) {
	m.lazyInit()
	if _, ok := m.fields[tag]; ok {
		m.Remove(tag)
	}
	if _, ok := m.groups[tag]; !ok {
		m.gorder = append(m.gorder, tag)
	}
	m.groups[tag] = append(m.groups[tag], g)
}

// Group 返回 tag 下第 index 个重复组实例.
func (m *FieldMap) Group(tag, index int) (*Group, error) {
	gs := m.groups[tag]
	if index < 0 || index >= len(gs) {
		return nil, fmt.Errorf("%w: tag %d index %d", ErrGroupNotFound, tag, index)
	}
	return gs[index], nil
}

// Groups 返回 tag 下的所有重复组实例.
func (m *FieldMap) Groups(tag int) []*Group {
	return m.groups[tag]
}

func (m *FieldMap) HasGroup(tag int) bool {
	return len(m.groups[tag]) > 0
}

func (m *FieldMap) GroupCount(tag int) int {
	return len(m.groups[tag])
}

// GroupTags 按首次添加顺序返回重复组 tag.
func (m *FieldMap) GroupTags() []int {
	return append([]int(nil), m.gorder...)
}

func (m *FieldMap) removeGroup(tag int) {
	delete(m.groups, tag)
	m.gorder = deleteTag(m.gorder, tag)
}

// Clear 清空全部字段与重复组.
func (m *FieldMap) Clear() {
	m.fields = make(map[int]string)
	m.groups = make(map[int][]*Group)
	m.order = nil
	m.gorder = nil
}

func deleteTag(tags []int, tag int) []int {
	for i, t := range tags {
		if t == tag {
			return append(tags[:i], tags[i+1:]...)
		}
	}
	return tags
}

// Group 是重复组的一个实例，首字段为分隔 tag.
type Group struct {
	FieldMap
	Delimiter int
}

// NewGroup 创建重复组实例，value 非空时写入分隔字段.
func NewGroup(delimiter int, value string) *Group {
	g := &Group{Delimiter: delimiter}
	g.lazyInit()
	if value != "" {
		g.SetField(delimiter, value)
	}
	return g
}
