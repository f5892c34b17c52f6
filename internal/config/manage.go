package config

import (
	"fmt"
	"strconv"
)

// KeyInfo is one row of `docqa config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists the non-secret keys with their effective values.
func ShowAll(cfg Config) []KeyInfo {
	rows := make([]KeyInfo, 0, len(specs))
	for _, s := range specs {
		if s.secret {
			continue
		}
		rows = append(rows, KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))})
	}
	return rows
}

// SetKey persists key=value in the config file after checking that the
// resulting file still produces a valid configuration.
func SetKey(key, value string) error {
	return setKey(newFileBackend(ConfigFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%s is a secret; set it with the %s environment variable", key, s.env)
	}
	v, err := parseValue(s, value)
	if err != nil {
		return err
	}

	candidate := defaults()
	if err := applyBackend(&candidate, b); err != nil {
		return err
	}
	s.apply(&candidate, v)
	if err := candidate.Validate(); err != nil {
		return err
	}

	if i, isInt := v.(int); isInt {
		return b.SetInt(key, i)
	}
	return b.SetString(key, value)
}

func lookupKey(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s wants an integer: %w", s.key, err)
		}
		return i, nil
	case kBool:
		bv, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s wants true or false: %w", s.key, err)
		}
		return bv, nil
	}
	return raw, nil
}

// ValidKeys returns the keys accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
