package fix

import (
	"bytes"
	"strconv"
)

// DefaultBeginString 报文未设置 BeginString 时使用的版本.
const DefaultBeginString = "FIX.4.2"

// Encode 将报文序列化为线上格式.
//
// 报文体依次为 Body 字段（插入顺序）、Body 重复组、除 8/9 外的 Header 字段，
// 每个字段以 SOH 结尾；BodyLength 为报文体的字节数.
// 编码后 Header 写入 BodyLength，Trailer 写入 CheckSum.
func Encode(m *Message) []byte {
	var body bytes.Buffer
	writeFieldMap(&body, m.Body)
	for _, f := range m.Header.Fields() {
		if f.Tag == TagBeginString || f.Tag == TagBodyLength {
			continue
		}
		writeField(&body, f.Tag, f.Value)
	}

	begin := m.BeginString()
	if begin == "" {
		begin = DefaultBeginString
		m.SetBeginString(begin)
	}
	bodyLength := body.Len()

	var out bytes.Buffer
	out.Grow(bodyLength + len(begin) + 32)
	writeField(&out, TagBeginString, begin)
	writeField(&out, TagBodyLength, strconv.Itoa(bodyLength))
	out.Write(body.Bytes())

	checksum := Checksum(out.Bytes())
	writeField(&out, TagCheckSum, checksum)

	m.Header.SetInt(TagBodyLength, bodyLength)
	m.Trailer.SetField(TagCheckSum, checksum)

	return out.Bytes()
}

// Checksum 计算 data 全部字节之和对 256 取模，格式化为三位十进制.
// data 应为从报文起始到 "10=" 之前的 SOH（含）.
func Checksum(data []byte) string {
	var sum int
	for _, b := range data {
		sum += int(b)
	}
	sum %= 256
	return string([]byte{byte('0' + sum/100), byte('0' + sum/10%10), byte('0' + sum%10)})
}

func writeFieldMap(buf *bytes.Buffer, fm *FieldMap) {
	for _, f := range fm.Fields() {
		writeField(buf, f.Tag, f.Value)
	}
	for _, tag := range fm.GroupTags() {
		groups := fm.Groups(tag)
		writeField(buf, tag, strconv.Itoa(len(groups)))
		for _, g := range groups {
			writeFieldMap(buf, &g.FieldMap)
		}
	}
}

func writeField(buf *bytes.Buffer, tag int, value string) {
	buf.WriteString(strconv.Itoa(tag))
	buf.WriteByte('=')
	buf.WriteString(value)
	buf.WriteByte(soh)
}
