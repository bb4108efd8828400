package detector

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// MaxClasses is the number of class names read from a label file
const MaxClasses = 80

// UnknownLabel is returned for class ids without a name
const UnknownLabel = "null"

// Labels maps class ids to names
type Labels struct {
	names []string
}

// NewLabels wraps a list of class names
func NewLabels(names []string) *Labels {
	return &Labels{names: append([]string(nil), names...)}
}

// LoadLabels reads up to limit newline separated class names
func LoadLabels(path string, limit int) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels: %w", err)
	}
	defer f.Close()

	if limit <= 0 {
		limit = MaxClasses
	}

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(names) < limit {
		names = append(names, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels %s: %w", path, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("label file %s is empty", path)
	}

	return &Labels{names: names}, nil
}

// Name returns the class name, or UnknownLabel when id is out of range
func (l *Labels) Name(id int) string {
	if l == nil || id < 0 || id >= len(l.names) || l.names[id] == "" {
		return UnknownLabel
	}
	return l.names[id]
}

// Len returns the number of loaded classes
func (l *Labels) Len() int {
	if l == nil {
		return 0
	}
	return len(l.names)
}
