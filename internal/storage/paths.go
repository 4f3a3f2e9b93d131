package storage

import (
	"fmt"
	"path"
	"strings"
)

// ValidateNamespace ensures namespace is non-empty and contains no separator.
func ValidateNamespace(namespace string) (string, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return "", fmt.Errorf("storage: namespace required")
	}
	if strings.Contains(namespace, "/") {
		return "", fmt.Errorf("storage: namespace %q must not contain '/'", namespace)
	}
	return namespace, nil
}

// CleanKey normalizes key into a slash separated relative path and rejects
// keys that escape the namespace.
func CleanKey(key string) (string, error) {
	clean := strings.TrimSpace(key)
	if clean == "" {
		return "", fmt.Errorf("storage: key required")
	}
	clean = path.Clean("/" + clean)
	if clean == "/" {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return strings.TrimPrefix(clean, "/"), nil
}

// ObjectPath joins prefix, namespace and key into a backend object name.
func ObjectPath(prefix, namespace, key string) (string, error) {
	ns, err := ValidateNamespace(namespace)
	if err != nil {
		return "", err
	}
	clean, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(ns, clean), nil
	}
	return path.Join(prefix, ns, clean), nil
}

// NamespacePrefix returns the object name prefix for namespace.
func NamespacePrefix(prefix, namespace string) (string, error) {
	ns, err := ValidateNamespace(namespace)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ns + "/", nil
	}
	return prefix + "/" + ns + "/", nil
}
