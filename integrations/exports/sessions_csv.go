package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"time"
)

// SessionsCSV builds a CSV export for the supplied sessions and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func SessionsCSV(records []SessionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"reference", "amount", "account", "state", "signature", "reward", "created_at", "updated_at"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		created := rec.CreatedAt
		if created.IsZero() {
			created = rec.timestamp()
		}
		row := []string{
			rec.Reference,
			rec.Amount,
			rec.Account,
			rec.State,
			rec.Signature,
			rec.Reward,
			created.UTC().Format(time.RFC3339Nano),
			rec.timestamp().Format(time.RFC3339Nano),
		}
		if err := writer.Write(row); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
