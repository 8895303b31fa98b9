// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.
//go:build !linux

package network

// Host is unavailable off Linux; use Memory instead.
type Host struct {
	Memory
}

// NewHost reports ErrUnsupported on non-Linux hosts.
func NewHost() (*Host, error) {
	return nil, ErrUnsupported
}
