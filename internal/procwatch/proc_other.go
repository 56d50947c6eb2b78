//go:build !linux

package procwatch

import "errors"

// NewSource is unavailable off Linux; the agent targets hosts with /proc.
func NewSource() (Source, error) {
	return nil, errors.New("procwatch: process polling requires /proc (linux only)")
}
