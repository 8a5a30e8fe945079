package exchange

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/skalibog/bgbot/pkg/models"
)

// Классы ошибок, на которые опирается политика повторов
var (
	ErrNoEndpointAvailable  = errors.New("нет доступного эндпоинта API")
	ErrEndpointUnavailable  = errors.New("эндпоинт API перестал отвечать")
	ErrAuthenticationFailed = errors.New("ошибка аутентификации")
	ErrTransientFailure     = errors.New("временная ошибка")
	ErrBusinessRule         = errors.New("отклонено правилами биржи")
)

// ErrorKind класс ответа биржи
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindEndpointNotFound
	KindEndpointUnavailable
	KindAuthentication
	KindTransient
	KindBusinessRule
)

func (k ErrorKind) String() string {
	switch k {
	case KindEndpointNotFound:
		return "endpoint-not-found"
	case KindEndpointUnavailable:
		return "endpoint-unavailable"
	case KindAuthentication:
		return "authentication"
	case KindTransient:
		return "transient"
	case KindBusinessRule:
		return "business-rule"
	default:
		return "none"
	}
}

// SuccessCode код успешного ответа
const SuccessCode = "00000"

// APIError типизированная ошибка вызова биржи
type APIError struct {
	Kind       ErrorKind
	Op         string
	HTTPStatus int
	Code       string
	Message    string
	Hint       string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " http=%d", e.HTTPStatus)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " msg=%q", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, " (подсказка: %s)", e.Hint)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is сопоставляет класс ошибки с сигнальными значениями
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrEndpointUnavailable:
		return e.Kind == KindEndpointUnavailable || e.Kind == KindEndpointNotFound
	case ErrAuthenticationFailed:
		return e.Kind == KindAuthentication
	case ErrTransientFailure:
		return e.Kind == KindTransient
	case ErrBusinessRule:
		return e.Kind == KindBusinessRule
	}
	return false
}

// ProbeAttempt результат проверки одного кандидата
type ProbeAttempt struct {
	Candidate  models.EndpointCandidate
	HTTPStatus int
	Code       string
	Err        error
}

// NoEndpointAvailableError все кандидаты отвергнуты
type NoEndpointAvailableError struct {
	Attempts []ProbeAttempt
}

func (e *NoEndpointAvailableError) Error() string {
	var b strings.Builder
	b.WriteString(ErrNoEndpointAvailable.Error())
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s", a.Candidate)
		if a.HTTPStatus != 0 {
			fmt.Fprintf(&b, " http=%d", a.HTTPStatus)
		}
		if a.Code != "" {
			fmt.Fprintf(&b, " code=%s", a.Code)
		}
		if a.Err != nil {
			fmt.Fprintf(&b, " err=%v", a.Err)
		}
	}
	return b.String()
}

func (e *NoEndpointAvailableError) Is(target error) bool {
	return target == ErrNoEndpointAvailable
}

var authCodes = map[string]bool{
	"40001": true, "40002": true, "40003": true, "40005": true, "40006": true,
	"40008": true, "40009": true, "40011": true, "40012": true, "40014": true,
	"40017": true, "40018": true, "40037": true,
}

var transientCodes = map[string]bool{
	"429": true, "40010": true, "40015": true, "45001": true,
}

var hints = map[string]string{
	"40002": "проверьте API key: он пустой или не найден",
	"40006": "неверный API key",
	"40037": "API key не существует, создайте новый ключ",
	"40012": "неверный API key или passphrase; убедитесь, что в ключах нет пробелов",
	"40011": "неверный passphrase",
	"40009": "подпись не совпала: проверьте secret и пробелы в начале или конце",
	"40005": "неверный ACCESS-TIMESTAMP",
	"40008": "метка времени устарела: синхронизируйте системные часы",
	"40014": "у ключа нет нужных прав (trade/read)",
	"40018": "IP не входит в белый список ключа",
	"40404": "маршрут не найден: биржа сменила API, запустите повторный поиск эндпоинта",
	"40762": "недостаточно средств на счете",
	"45110": "объем меньше минимального для контракта",
	"40034": "символ или параметр не существует",
	"40019": "не хватает обязательного параметра",
}

// HintFor подсказка оператору по коду биржи
func HintFor(code string, status int) string {
	if h, ok := hints[code]; ok {
		return h
	}
	switch status {
	case http.StatusNotFound:
		return hints["40404"]
	case http.StatusUnauthorized, http.StatusForbidden:
		return "биржа отклонила ключи: проверьте key, secret, passphrase и белый список IP"
	case http.StatusTooManyRequests:
		return "превышен лимит запросов"
	}
	return ""
}

// classify определяет класс ответа по HTTP-статусу, коду биржи и ошибке транспорта
func classify(status int, code string, transportErr error) ErrorKind {
	if transportErr != nil {
		// Таймауты, обрывы соединения и EOF считаем временными
		return KindTransient
	}
	if status == http.StatusNotFound || code == "40404" {
		return KindEndpointNotFound
	}
	if authCodes[code] || status == http.StatusUnauthorized || status == http.StatusForbidden {
		return KindAuthentication
	}
	if transientCodes[code] || status == http.StatusTooManyRequests || status >= 500 {
		return KindTransient
	}
	if status == http.StatusOK && code == SuccessCode {
		return KindNone
	}
	return KindBusinessRule
}
