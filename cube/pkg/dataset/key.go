package dataset

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// NaturalKey is an ordered tuple of values identifying one fact row.
type NaturalKey struct {
	Values []any
}

// EntryID is the primary key of a fact row.
type EntryID string

func NewNaturalKey(values ...any) *NaturalKey {
	return &NaturalKey{Values: values}
}

// ID hashes the key into a deterministic entry id. Each value is written as
// typeTag:length:payload so that ("ab", "c") and ("a", "bc") differ.
func (k *NaturalKey) ID() EntryID {
	var buf bytes.Buffer
	for _, val := range k.Values {
		var tag string
		var payload []byte
		switch v := val.(type) {
		case nil:
			tag = "nil"
		case string:
			tag, payload = "string", []byte(v)
		case float64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			tag, payload = "float64", b[:]
		case int64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			tag, payload = "int64", b[:]
		case int:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v))
			tag, payload = "int64", b[:]
		case bool:
			tag, payload = "bool", []byte(strconv.FormatBool(v))
		case time.Time:
			tag, payload = "time", []byte(v.UTC().Format(time.RFC3339Nano))
		default:
			tag, payload = fmt.Sprintf("%T", v), []byte(fmt.Sprintf("%v", v))
		}
		buf.WriteString(tag)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(payload)))
		buf.WriteByte(':')
		buf.Write(payload)
	}

	hash := sha256.Sum256(buf.Bytes())
	return EntryID(hex.EncodeToString(hash[:]))
}
