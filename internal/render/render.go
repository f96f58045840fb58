// Package render fills campaign templates with recipient attributes.
package render

import (
	"regexp"
	"strings"
)

// Built-in placeholder names. English aliases resolve to the same values.
const (
	KeyName  = "nome"
	KeyPhone = "telefone"
	KeyEmail = "email"
)

var aliases = map[string]string{
	"name":  KeyName,
	"phone": KeyPhone,
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Render replaces {placeholder} tokens in body with values from attrs.
// Lookup is case-insensitive. Unknown placeholders are left verbatim.
func Render(body string, attrs map[string]string) string {
	if body == "" || len(attrs) == 0 {
		return body
	}

	lookup := make(map[string]string, len(attrs))
	for k, v := range attrs {
		lookup[strings.ToLower(k)] = v
	}

	return placeholder.ReplaceAllStringFunc(body, func(token string) string {
		key := strings.ToLower(token[1 : len(token)-1])
		if v, ok := lookup[key]; ok {
			return v
		}
		if canonical, ok := aliases[key]; ok {
			if v, ok := lookup[canonical]; ok {
				return v
			}
		}
		return token
	})
}

// Attributes builds the attribute map for a recipient: custom attributes
// first, then the built-in name/phone/email keys, which take precedence.
func Attributes(name, phone, email string, custom map[string]string) map[string]string {
	attrs := make(map[string]string, len(custom)+3)
	for k, v := range custom {
		attrs[strings.ToLower(k)] = v
	}
	attrs[KeyName] = name
	attrs[KeyPhone] = phone
	attrs[KeyEmail] = email
	return attrs
}
