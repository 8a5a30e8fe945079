package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
)

// Заголовки аутентификации Bitget
const (
	HeaderAccessKey        = "ACCESS-KEY"
	HeaderAccessSign       = "ACCESS-SIGN"
	HeaderAccessTimestamp  = "ACCESS-TIMESTAMP"
	HeaderAccessPassphrase = "ACCESS-PASSPHRASE"
)

// AuthHeaders набор заголовков для приватного запроса
type AuthHeaders struct {
	APIKey     string
	Signature  string
	Timestamp  string
	Passphrase string
}

// Apply проставляет заголовки в запрос
func (h AuthHeaders) Apply(header http.Header) {
	header.Set(HeaderAccessKey, h.APIKey)
	header.Set(HeaderAccessSign, h.Signature)
	header.Set(HeaderAccessTimestamp, h.Timestamp)
	header.Set(HeaderAccessPassphrase, h.Passphrase)
}

// Sign строит подпись запроса.
// Каноническая строка: timestamp + METHOD + requestPath (вместе с ?query) + body.
// Ключи должны быть уже очищены от пробелов.
func Sign(secret, passphrase, apiKey, method, requestPath string, timestampMs int64, body string) AuthHeaders {
	ts := strconv.FormatInt(timestampMs, 10)
	return AuthHeaders{
		APIKey:     apiKey,
		Signature:  Signature(secret, CanonicalString(ts, method, requestPath, body)),
		Timestamp:  ts,
		Passphrase: passphrase,
	}
}

// CanonicalString строка, которую подписывает биржа
func CanonicalString(timestamp, method, requestPath, body string) string {
	var b strings.Builder
	b.Grow(len(timestamp) + len(method) + len(requestPath) + len(body))
	b.WriteString(timestamp)
	b.WriteString(strings.ToUpper(method))
	b.WriteString(requestPath)
	b.WriteString(body)
	return b.String()
}

// Signature base64(HMAC-SHA256(secret, message))
func Signature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
