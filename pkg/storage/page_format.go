package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ccdb-project/ccdb/pkg/model"
	"github.com/ccdb-project/ccdb/pkg/pager"
)

// Each bucket page is a self-contained chain link: an 8-byte "next page"
// pointer (pager.NOPAGE when this is the chain's tail) followed by a
// 4-byte length and a JSON array of the rows currently living on this
// page. Rows are re-encoded whole on every mutation, which is simple
// rather than space-optimal — acceptable for the page counts this engine
// is meant to exercise.
const pageLinkHeader = 8 + 4

func pagePayloadCap() int {
	return int(pager.PAGESIZE) - pageLinkHeader
}

func encodePage(next int64, rows []model.Row) ([]byte, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: encode page: %w", err)
	}
	if len(body) > pagePayloadCap() {
		return nil, fmt.Errorf("storage: page overflow: %d bytes exceeds capacity %d", len(body), pagePayloadCap())
	}
	buf := make([]byte, pager.PAGESIZE)
	binary.BigEndian.PutUint64(buf[0:8], uint64(next))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[pageLinkHeader:], body)
	return buf, nil
}

func decodePage(data []byte) (next int64, rows []model.Row, err error) {
	if len(data) < pageLinkHeader {
		return 0, nil, fmt.Errorf("storage: short page (%d bytes)", len(data))
	}
	next = int64(binary.BigEndian.Uint64(data[0:8]))
	n := int(binary.BigEndian.Uint32(data[8:12]))
	if n == 0 {
		return next, nil, nil
	}
	if pageLinkHeader+n > len(data) {
		return 0, nil, fmt.Errorf("storage: corrupt page length %d", n)
	}
	body := data[pageLinkHeader : pageLinkHeader+n]
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&rows); err != nil {
		return 0, nil, fmt.Errorf("storage: decode page: %w", err)
	}
	return next, rows, nil
}
