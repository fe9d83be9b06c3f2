package settings

import (
	"fmt"
	"strconv"
	"time"
)

func setInt(dst *int, val string) error {
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("expected integer, got %q: %w", val, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, val string) error {
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("expected boolean, got %q: %w", val, err)
	}
	*dst = b
	return nil
}

func setSeconds(dst *time.Duration, val string) error {
	secs, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("expected seconds, got %q: %w", val, err)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}
