package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// ErrEmptyMessage 报文为空.
var ErrEmptyMessage = errors.New("cannot parse empty message")

const (
	// checksumTolerance 允许 CheckSum 字段偏离 BodyLength 计算位置的字节数，防止长度损坏时误切.
	checksumTolerance = 10
	checksumDigits    = 3
)

var (
	beginMarker    = []byte("8=FIX")
	lengthMarker   = []byte("\x019=")
	checksumMarker = []byte("\x0110=")
)

// 未提供数据字典时的 Header/Trailer 归属.
var (
	fallbackHeaderTags = map[int]struct{}{
		TagBeginString: {}, TagBodyLength: {}, TagMsgType: {}, TagSenderCompID: {},
		TagTargetCompID: {}, TagMsgSeqNum: {}, TagSendingTime: {},
	}
	fallbackTrailerTags = map[int]struct{}{TagCheckSum: {}}
)

// Parse 解析原始 FIX 报文 (单次扫描版)
// 缺少 '=' 或 tag 非数字的片段直接跳过；dict 为 nil 时使用内置的 Header/Trailer 集合.
func Parse(data []byte, dict Dictionary) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	msg := NewMessage()
	length := len(data)
	start := 0

	for start < length {
		// 1. 查找 SOH 确定片段
		end := bytes.IndexByte(data[start:], soh)
		if end == -1 {
			end = length
		} else {
			end += start
		}
		segment := data[start:end]
		start = end + 1

		if len(segment) == 0 {
			continue
		}

		// 2. 第一个 '=' 切分 tag 与 value
		eq := bytes.IndexByte(segment, '=')
		if eq <= 0 {
			continue
		}
		tag, ok := parseTag(segment[:eq])
		if !ok {
			continue
		}
		value := string(segment[eq+1:])

		// 3. 按字典或内置集合归属
		switch {
		case isHeaderTag(tag, dict):
			msg.Header.SetField(tag, value)
		case isTrailerTag(tag, dict):
			msg.Trailer.SetField(tag, value)
		default:
			msg.Body.SetField(tag, value)
		}
	}

	return msg, nil
}

func parseTag(b []byte) (int, bool) {
	tag := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		tag = tag*10 + int(c-'0')
	}
	return tag, true
}

func isHeaderTag(tag int, dict Dictionary) bool {
	if dict != nil {
		return dict.IsHeaderField(tag)
	}
	_, ok := fallbackHeaderTags[tag]
	return ok
}

func isTrailerTag(tag int, dict Dictionary) bool {
	if dict != nil {
		return dict.IsTrailerField(tag)
	}
	_, ok := fallbackTrailerTags[tag]
	return ok
}

// ExtractRawMessages 从流式缓冲区中切出所有完整报文.
//
// 返回的 frames 引用 buf 的底层数组；consumed 为最后一个完整报文之后的偏移，
// buf[consumed:] 需保留到下一次读取. BodyLength 无法解析或容差窗口内找不到
// CheckSum 时只前进一个字节重新扫描，避免丢弃仍可恢复的报文.
func ExtractRawMessages(buf []byte) (frames [][]byte, consumed int) {
	pos := 0
	for pos < len(buf) {
		begin := bytes.Index(buf[pos:], beginMarker)
		if begin == -1 {
			break
		}
		begin += pos

		lengthStart := bytes.Index(buf[begin:], lengthMarker)
		if lengthStart == -1 {
			break
		}
		lengthStart += begin
		valueStart := lengthStart + len(lengthMarker)

		lengthEnd := bytes.IndexByte(buf[valueStart:], soh)
		if lengthEnd == -1 {
			break
		}
		lengthEnd += valueStart

		bodyLength, err := strconv.Atoi(string(buf[valueStart:lengthEnd]))
		if err != nil || bodyLength < 0 {
			pos = begin + 1
			continue
		}

		bodyEnd := lengthEnd + 1 + bodyLength
		searchFrom := max(bodyEnd-checksumTolerance, lengthEnd)
		if searchFrom >= len(buf) {
			// 报文体尚未到齐
			pos = begin + 1
			continue
		}

		checksumStart := bytes.Index(buf[searchFrom:], checksumMarker)
		if checksumStart == -1 || searchFrom+checksumStart > bodyEnd+checksumTolerance {
			pos = begin + 1
			continue
		}
		checksumStart += searchFrom
		valueFrom := checksumStart + len(checksumMarker)

		frameEnd := len(buf)
		if idx := bytes.IndexByte(buf[valueFrom:], soh); idx != -1 {
			frameEnd = valueFrom + idx + 1
		} else if len(buf)-valueFrom < checksumDigits {
			// CheckSum 值尚未完整到达
			break
		}

		frames = append(frames, buf[begin:frameEnd])
		pos = frameEnd
		consumed = frameEnd
	}
	return frames, consumed
}

// Validate 检查必备字段，提供 dict 时额外检查该 MsgType 的必填字段.
// 只收集错误描述，是否拒绝由调用方决定.
func Validate(m *Message, dict Dictionary) []string {
	var errs []string
	if !m.Header.Has(TagBeginString) {
		errs = append(errs, "Missing BeginString (tag 8)")
	}
	if !m.Header.Has(TagBodyLength) {
		errs = append(errs, "Missing BodyLength (tag 9)")
	}
	if !m.Header.Has(TagMsgType) {
		errs = append(errs, "Missing MsgType (tag 35)")
	}
	if !m.Trailer.Has(TagCheckSum) {
		errs = append(errs, "Missing CheckSum (tag 10)")
	}

	msgType := m.MsgType()
	if dict == nil || msgType == "" {
		return errs
	}
	for _, def := range dict.MessageFields(msgType) {
		if !def.Required {
			continue
		}
		if m.Body.Has(def.Tag) || m.Header.Has(def.Tag) || m.Body.HasGroup(def.Tag) {
			continue
		}
		name := def.Name
		if name == "" {
			name = "field"
		}
		errs = append(errs, fmt.Sprintf("Missing required field %s (tag %d)", name, def.Tag))
	}
	return errs
}
