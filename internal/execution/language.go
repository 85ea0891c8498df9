package execution

import (
	"fmt"
	"strings"
)

// Language is one of the fixed set of languages a guest image can run.
type Language string

const (
	Python Language = "python"
	Rust   Language = "rust"
	Java   Language = "java"
	Bash   Language = "bash"
	Sh     Language = "sh"
)

var languages = []Language{Python, Rust, Java, Bash, Sh}

// Languages returns every supported language in a stable order.
func Languages() []Language {
	return append([]Language(nil), languages...)
}

// ParseLanguage accepts a language tag in any case ("Python", "python").
func ParseLanguage(raw string) (Language, error) {
	value := Language(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("missing language")
	}
	if !value.Valid() {
		return "", fmt.Errorf("invalid language %q (expected one of %s)", raw, joinLanguages())
	}
	return value, nil
}

func (l Language) Valid() bool {
	switch l {
	case Python, Rust, Java, Bash, Sh:
		return true
	default:
		return false
	}
}

func (l Language) String() string {
	return string(l)
}

// RootFSName is the file name of the guest image built for this language.
func (l Language) RootFSName() string {
	return "rootfs-" + string(l) + ".ext4"
}

func joinLanguages() string {
	names := make([]string, 0, len(languages))
	for _, l := range languages {
		names = append(names, string(l))
	}
	return strings.Join(names, ", ")
}
