package configure

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// prompter handles reading user input and displaying prompts.
// An empty answer always keeps the shown value.
type prompter struct {
	scanner *bufio.Scanner
	output  io.Writer
	isNew   bool
	eof     bool
}

func (p *prompter) readLine() string {
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	p.eof = true
	return ""
}

func (p *prompter) valueLabel() string {
	if p.isNew {
		return "default"
	}
	return "current"
}

func (p *prompter) section(title string) {
	fmt.Fprintf(p.output, "\n=== %s ===\n", title)
}

// ask prints "field [hint] (current: value): " and re-asks until the answer
// parses and passes check. An empty answer keeps current, which must also
// pass check.
func ask[T any](p *prompter, field, hint string, current T, show func(T) string, parse func(string) (T, error), check func(T) error) T {
	for {
		if hint != "" {
			fmt.Fprintf(p.output, "%s [%s] (%s: %s): ", field, hint, p.valueLabel(), show(current))
		} else {
			fmt.Fprintf(p.output, "%s (%s: %s): ", field, p.valueLabel(), show(current))
		}
		val := current
		if input := p.readLine(); input != "" {
			parsed, err := parse(input)
			if err != nil {
				fmt.Fprintf(p.output, "  %v, try again.\n", err)
				continue
			}
			val = parsed
		}
		if check != nil && !p.eof {
			if err := check(val); err != nil {
				fmt.Fprintf(p.output, "  %v, try again.\n", err)
				continue
			}
		}
		return val
	}
}

func quoted(s string) string { return strconv.Quote(s) }

func keep(s string) (string, error) { return s, nil }

func (p *prompter) promptString(field, hint, current string) string {
	return ask(p, field, hint, current, quoted, keep, nil)
}

// promptRequiredString re-asks while the value is empty.
func (p *prompter) promptRequiredString(field, hint, current string) string {
	return ask(p, field, hint, current, quoted, keep, func(s string) error {
		if s == "" {
			return fmt.Errorf("value is required")
		}
		return nil
	})
}

// promptInt accepts integers >= min.
func (p *prompter) promptInt(field, hint string, current, min int) int {
	return ask(p, field, hint, current, strconv.Itoa, atoi, func(v int) error {
		if v < min {
			return fmt.Errorf("value must be >= %d", min)
		}
		return nil
	})
}

func (p *prompter) promptFloat(field, hint string, current, min float64) float64 {
	show := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }
	parse := func(s string) (float64, error) {
		val, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", s)
		}
		return val, nil
	}
	return ask(p, field, hint, current, show, parse, func(v float64) error {
		if v < min {
			return fmt.Errorf("value must be >= %v", min)
		}
		return nil
	})
}

func (p *prompter) promptBool(field string, current bool) bool {
	return ask(p, field, "", current, strconv.FormatBool, func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return false, fmt.Errorf("invalid value %q, use true/false/yes/no", s)
	}, nil)
}

func (p *prompter) promptDuration(field, hint, current string) string {
	return ask(p, field, hint, current, quoted, func(s string) (string, error) {
		if _, err := time.ParseDuration(s); err != nil {
			return "", fmt.Errorf("invalid Go duration %q", s)
		}
		return s, nil
	}, nil)
}

func (p *prompter) promptEnum(field, current string, allowed []string) string {
	hint := "options: " + strings.Join(allowed, ", ")
	return ask(p, field, hint, current, quoted, func(s string) (string, error) {
		for _, v := range allowed {
			if strings.EqualFold(s, v) {
				return v, nil
			}
		}
		return "", fmt.Errorf("invalid value %q, must be one of: %s", s, strings.Join(allowed, ", "))
	}, nil)
}

func atoi(s string) (int, error) {
	val, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return val, nil
}

func parseInt(s string, min int) (int, error) {
	val, err := atoi(s)
	if err != nil {
		return 0, err
	}
	if val < min {
		return 0, fmt.Errorf("value must be >= %d", min)
	}
	return val, nil
}

// Fields of a new array entry. These have no current value.

func (p *prompter) promptNewField(name string) string {
	fmt.Fprintf(p.output, "  %s: ", name)
	return p.readLine()
}

// promptNewRegexField re-asks until the input compiles. Empty is allowed
// unless required is set.
func (p *prompter) promptNewRegexField(name string, required bool) string {
	for {
		fmt.Fprintf(p.output, "  %s (regex): ", name)
		input := p.readLine()
		if input == "" {
			if !required || p.eof {
				return ""
			}
			fmt.Fprintf(p.output, "  Value is required, try again.\n")
			continue
		}
		if _, err := regexp.Compile(input); err != nil {
			fmt.Fprintf(p.output, "  Invalid regex %q: %v, try again.\n", input, err)
			continue
		}
		return input
	}
}

// promptNewIntField reads an integer >= min. Empty input yields fallback,
// or re-asks when fallback is below min.
func (p *prompter) promptNewIntField(name string, min, fallback int) int {
	for {
		fmt.Fprintf(p.output, "  %s (must be >= %d): ", name, min)
		input := p.readLine()
		if input == "" {
			if fallback >= min || p.eof {
				return fallback
			}
			fmt.Fprintf(p.output, "  Value is required, try again.\n")
			continue
		}
		val, err := parseInt(input, min)
		if err != nil {
			fmt.Fprintf(p.output, "  %v, try again.\n", err)
			continue
		}
		return val
	}
}

func (p *prompter) promptNewEnumField(name string, allowed []string) string {
	for {
		fmt.Fprintf(p.output, "  %s (%s): ", name, strings.Join(allowed, ", "))
		input := p.readLine()
		for _, v := range allowed {
			if input == v {
				return v
			}
		}
		if p.eof {
			return allowed[0]
		}
		fmt.Fprintf(p.output, "  Invalid value %q, try again.\n", input)
	}
}

// editList runs the add/remove/continue loop for one array field.
func editList[T any](p *prompter, label string, items []T, show func(T) string, add func() T) []T {
	for {
		if len(items) == 0 {
			fmt.Fprintf(p.output, "  (no entries)\n")
		}
		for i, item := range items {
			fmt.Fprintf(p.output, "  [%d] %s\n", i, show(item))
		}
		fmt.Fprintf(p.output, "[a]dd, [r]emove, [c]ontinue? ")
		switch strings.ToLower(p.readLine()) {
		case "a":
			items = append(items, add())
		case "r":
			items = removeByIndex(p, label, items)
		case "c", "":
			return items
		default:
			fmt.Fprintf(p.output, "  Unknown choice, try again.\n")
		}
	}
}

func removeByIndex[T any](p *prompter, label string, items []T) []T {
	if len(items) == 0 {
		fmt.Fprintf(p.output, "  No %s entries to remove.\n", label)
		return items
	}
	fmt.Fprintf(p.output, "  Index to remove: ")
	idx, err := strconv.Atoi(p.readLine())
	if err != nil || idx < 0 || idx >= len(items) {
		fmt.Fprintf(p.output, "  Invalid index.\n")
		return items
	}
	return append(items[:idx:idx], items[idx+1:]...)
}
