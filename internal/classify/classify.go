// Package classify maps provider failures onto the three failure classes that
// drive retry and kill-switch policy.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// Class is the outcome of classifying an error. Every error maps to exactly one class.
type Class int

const (
	Transient Class = iota + 1
	QuotaExhausted
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case QuotaExhausted:
		return "quota_exhausted"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var quotaPatterns = compile(
	`quota`,
	`credit`,
	`billing`,
	`insufficient[\s_-]*(fund|balance)`,
	`balance[\s_-]*insufficient`,
	`payment[\s_-]*required`,
	`account[\s_-]*limit`,
	`resource[\s_-]*exhausted`,
	`generate[\s_-]*requests[\s_-]*per[\s_-]*day`,
	`out[\s_-]*of[\s_-]*credit`,
)

// Machine codes that only some providers emit.
var providerQuotaPatterns = map[models.ProviderName][]*regexp.Regexp{
	models.ProviderOpenAI:     compile(`^billing_not_active$`, `^access_terminated$`),
	models.ProviderMistral:    compile(`^insufficient_balance$`),
	models.ProviderDeepSeek:   compile(`^insufficient_balance$`),
	models.ProviderPerplexity: compile(`^insufficient_credits$`),
}

var transientPatterns = compile(
	`time[\s_-]*out`,
	`timed[\s_-]*out`,
	`temporar(il)?y`,
	`overloaded`,
	`unavailable`,
	`connection (reset|refused)`,
	`rate[\s_-]*limit`,
	`try again`,
)

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// Classify maps any error onto a Class. Nil is not an error and is reported as Fatal
// only to keep the function total; callers never pass nil.
func Classify(err error) Class {
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return ClassifyProviderError(pe)
	}
	if isTransportError(err) {
		return Transient
	}
	return Fatal
}

// ClassifyProviderError applies the policy in order: quota first, then transient,
// everything else is fatal. A bare 429 without quota vocabulary is rate limiting
// and therefore transient.
func ClassifyProviderError(pe *models.ProviderError) Class {
	if pe == nil {
		return Fatal
	}
	if isQuota(pe) {
		return QuotaExhausted
	}
	if isTransient(pe) {
		return Transient
	}
	return Fatal
}

func isQuota(pe *models.ProviderError) bool {
	if pe.StatusCode == http.StatusPaymentRequired {
		return true
	}
	text := pe.Code + " " + pe.Message
	if matchAny(quotaPatterns, text) {
		return true
	}
	code := strings.ToLower(strings.TrimSpace(pe.Code))
	return code != "" && matchAny(providerQuotaPatterns[pe.Provider], code)
}

func isTransient(pe *models.ProviderError) bool {
	if pe.Transport || isTransportError(pe.Err) {
		return true
	}
	switch {
	case pe.StatusCode == http.StatusRequestTimeout,
		pe.StatusCode == http.StatusConflict,
		pe.StatusCode == http.StatusTooEarly,
		pe.StatusCode == http.StatusTooManyRequests,
		pe.StatusCode >= 500:
		return true
	}
	return matchAny(transientPatterns, pe.Code+" "+pe.Message)
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
