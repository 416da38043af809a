package outbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Signature scheme: HMAC-SHA256 over "<unix ts>.<body>" keyed with the
// merchant's webhook secret, presented as "v1,ts=<ts>,sig=<base64>". Consumers
// verify by recomputing over the same string; the timestamp bounds replay.
const signatureVersion = "v1"

func sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("%s,ts=%d,sig=%s", signatureVersion, ts, sig)
}

// Verify checks a received signature header against the body. Exported for
// consumers and tests; the dispatcher only signs.
func Verify(secret, header string, ts int64, body []byte) bool {
	return hmac.Equal([]byte(header), []byte(sign(secret, ts, body)))
}
