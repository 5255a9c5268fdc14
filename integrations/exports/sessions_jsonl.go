package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SessionsJSONL builds a JSON Lines export for the supplied sessions and
// returns the serialised payload alongside a checksum.
func SessionsJSONL(records []SessionRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		payload := map[string]interface{}{
			"reference":  rec.Reference,
			"amount":     rec.Amount,
			"state":      rec.State,
			"updated_at": rec.timestamp().Format(time.RFC3339Nano),
		}
		if rec.Account != "" {
			payload["account"] = rec.Account
		}
		if rec.Signature != "" {
			payload["signature"] = rec.Signature
		}
		if rec.Reward != "" {
			payload["reward"] = rec.Reward
		}
		if !rec.CreatedAt.IsZero() {
			payload["created_at"] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
