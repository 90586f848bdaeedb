package docstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
)

// Blob bodies are msgpack: a self-describing binary encoding whose
// extension types round-trip rich values (timestamps, nested structures)
// without a schema. Changing the codec is a breaking change for every
// persisted blob.

// CompressionZlib is the marker stored on an index entry whose blob body
// is zlib-compressed.
const CompressionZlib = "zlib"

func encodeDocument(doc Document) ([]byte, error) {
	data, err := msgpack.Marshal(map[string]interface{}(doc))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte) (Document, error) {
	var out map[string]interface{}
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "undecodable blob body",
			"cause":  err.Error(),
		})
	}
	return Document(out), nil
}

func compressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "undecodable zlib stream",
			"cause":  err.Error(),
		})
	}
	defer r.Close()
	return io.ReadAll(r)
}

// metadataStrings flattens an index entry into the string-valued metadata
// attached to a blob object.
func metadataStrings(entry Document) map[string]string {
	meta := make(map[string]string, len(entry))
	for k, v := range entry {
		meta[k] = metadataValue(v)
	}
	return meta
}

func metadataValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return FormatTimestampCeilMillis(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
