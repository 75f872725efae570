package parser

import (
	"regexp"
	"strings"

	"github.com/mixelka/emailnarrator/pkg/models"
)

// DefaultMaxCodes limits how many codes are attached to one message
const DefaultMaxCodes = 3

// CodeDetector finds one-time passwords and verification codes
type CodeDetector struct {
	patterns []codePattern
	maxCodes int
}

type codePattern struct {
	kind  string
	regex *regexp.Regexp
}

// NewCodeDetector creates a detector returning at most maxCodes codes
func NewCodeDetector(maxCodes int) *CodeDetector {
	if maxCodes <= 0 {
		maxCodes = DefaultMaxCodes
	}
	return &CodeDetector{
		maxCodes: maxCodes,
		patterns: []codePattern{
			{
				kind:  "otp",
				regex: regexp.MustCompile(`(?i)(?:code|otp|pin|passcode|password|код|пароль|验证码|动态码)[\s:：\-]*(\d{4,8})\b`),
			},
			{
				kind:  "verification",
				regex: regexp.MustCompile(`(?i)(?:verification|verify|confirm|activation|подтвержд|активац)[\s\w]*?[\s:：\-]+(\d{4,8})\b`),
			},
			{
				kind:  "security",
				regex: regexp.MustCompile(`(?i)(?:security|2fa|two.factor|безопасност)[\s\w]*?[\s:：\-]+(\d{4,8})\b`),
			},
			{
				// A line holding nothing but the code
				kind:  "code",
				regex: regexp.MustCompile(`(?m)^\s*(\d{4,8})\s*$`),
			},
			{
				kind:  "code",
				regex: regexp.MustCompile(`(?:code|CODE|Code|код)[\s:：\-]*([A-Z0-9]{5,10})\b`),
			},
		},
	}
}

// yearRegex rejects four digit matches that are most likely dates
var yearRegex = regexp.MustCompile(`^(19|20)\d{2}$`)

// Detect returns the codes found in subject and body, in pattern order
func (d *CodeDetector) Detect(subject, body string) []models.DetectedCode {
	text := subject + "\n" + body

	var codes []models.DetectedCode
	seen := make(map[string]bool)

	for _, pattern := range d.patterns {
		for _, match := range pattern.regex.FindAllStringSubmatch(text, -1) {
			if len(match) < 2 {
				continue
			}
			code := strings.TrimSpace(match[1])
			if seen[code] || !plausibleCode(code) {
				continue
			}
			seen[code] = true
			codes = append(codes, models.DetectedCode{Type: pattern.kind, Value: code})
			if len(codes) == d.maxCodes {
				return codes
			}
		}
	}

	return codes
}

func plausibleCode(code string) bool {
	if len(code) < 4 || yearRegex.MatchString(code) {
		return false
	}
	// Alphanumeric codes must contain a digit, otherwise "CODE: HELLO" matches
	return strings.ContainsAny(code, "0123456789")
}
