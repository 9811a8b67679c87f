package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

func computeSnapshotHash(files snapshot) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func computeRevisionHash(share, parent string, files snapshot, ts time.Time) string {
	payload := strings.Join([]string{
		share,
		parent,
		computeSnapshotHash(files),
		ts.Format(time.RFC3339Nano),
	}, "\n")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func encodeSnapshot(files snapshot) ([]byte, error) {
	return json.Marshal(files)
}

func decodeSnapshot(data []byte) (snapshot, error) {
	var files snapshot
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, err
	}
	return files, nil
}
