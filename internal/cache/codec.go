package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// entryHeader 是条目的元数据部分。fs 后端将其编码为文件首行，正文紧随其后；
// sqlite/redis 后端将其与正文分别存放。
type entryHeader struct {
	Locator  Locator     `json:"locator"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	URL      string      `json:"url,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

func newEntryHeader(locator Locator, resp *Response) entryHeader {
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return entryHeader{
		Locator:  locator,
		Status:   resp.Status,
		Header:   resp.Header,
		URL:      resp.URL,
		StoredAt: storedAt,
	}
}

func (h entryHeader) response(body []byte) *Response {
	return &Response{
		Status:   h.Status,
		Header:   h.Header,
		Body:     body,
		URL:      h.URL,
		StoredAt: h.StoredAt,
	}
}

// encodeEntry 输出 "<header json>\n<body>" 格式。json.Marshal 不会输出裸换行。
func encodeEntry(locator Locator, resp *Response) ([]byte, error) {
	header, err := json.Marshal(newEntryHeader(locator, resp))
	if err != nil {
		return nil, fmt.Errorf("encode entry header: %w", err)
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(header)+1+len(resp.Body)))
	buf.Write(header)
	buf.WriteByte('\n')
	buf.Write(resp.Body)
	return buf.Bytes(), nil
}

func readEntryHeader(r *bufio.Reader) (entryHeader, error) {
	var header entryHeader
	line, err := r.ReadBytes('\n')
	if err != nil {
		return header, fmt.Errorf("read entry header: %w", err)
	}
	if err := json.Unmarshal(line, &header); err != nil {
		return header, fmt.Errorf("decode entry header: %w", err)
	}
	return header, nil
}

func decodeEntry(r io.Reader) (Locator, *Response, error) {
	br := bufio.NewReader(r)
	header, err := readEntryHeader(br)
	if err != nil {
		return Locator{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return Locator{}, nil, fmt.Errorf("read entry body: %w", err)
	}
	return header.Locator, header.response(body), nil
}
