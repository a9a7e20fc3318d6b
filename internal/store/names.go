package store

import (
	"errors"
	"strings"
)

const metaFileName = "registry.json"

// ValidateName 校验包名可以安全映射为单层目录名。
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("package name is empty")
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.New("package name contains a path separator")
	case strings.HasPrefix(name, "."):
		return errors.New("package name must not start with a dot")
	case name == metaFileName:
		return errors.New("package name is reserved")
	}
	return nil
}
