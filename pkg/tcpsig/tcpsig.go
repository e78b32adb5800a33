// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package tcpsig parses p0f-style TCP signatures into concrete SYN templates.
//
// A signature is eight colon-separated fields, for example
//
//	*:64:0:*:mss*20,10:mss,sok,ts,nop,ws:df,id+:0
//
// describing IP version, initial TTL, IP option length, MSS, window size and
// scale, the TCP option layout, quirks, and payload class. Only the fields
// that shape an outgoing SYN are materialized; the rest are validated and
// ignored.
package tcpsig

import (
	"fmt"
	"strconv"
	"strings"
)

// Option kinds emitted into a Template, in p0f layout vocabulary.
type OptionKind uint8

const (
	// OptionNOP is a single padding byte.
	OptionNOP OptionKind = iota
	// OptionMSS advertises the maximum segment size.
	OptionMSS
	// OptionWindowScale advertises the window shift count.
	OptionWindowScale
	// OptionSACKPermitted advertises selective-ack support.
	OptionSACKPermitted
	// OptionTimestamp carries TSval/TSecr.
	OptionTimestamp
)

// Option is one entry of a SYN option layout.
type Option struct {
	Kind OptionKind
	// Value holds the MSS for OptionMSS and the shift count for OptionWindowScale.
	Value uint16
	// TSVal and TSEcr apply to OptionTimestamp only.
	TSVal uint32
	TSEcr uint32
}

// Template is the parsed, concrete shape of an outgoing SYN.
type Template struct {
	InitialTTL uint8
	WindowSize uint16
	Options    []Option
}

// DefaultSignature matches Linux 3.11 and newer.
const DefaultSignature = "*:64:0:*:mss*20,10:mss,sok,ts,nop,ws:df,id+:0"

// DefaultMSS is used when neither the signature nor the caller pins one.
const DefaultMSS uint16 = 1500

// Default returns the template for DefaultSignature.
func Default() Template {
	t, err := Parse(DefaultSignature, DefaultMSS)
	if err != nil {
		// The default signature is a constant; failing to parse it is a bug.
		panic(err)
	}
	return t
}

// Parse converts a signature into a Template. The mss argument supplies the
// segment size when the signature's MSS field is the wildcard "*"; a literal
// MSS field overrides it. mtu-relative window sizes are not supported.
func Parse(sig string, mss uint16) (Template, error) {
	parts := strings.Split(sig, ":")
	if len(parts) != 8 {
		return Template{}, fmt.Errorf("invalid signature %q: expected 8 fields, got %d", sig, len(parts))
	}

	if parts[0] != "4" && parts[0] != "*" {
		return Template{}, fmt.Errorf("invalid signature %q: only IPv4 is supported", sig)
	}

	ttl, err := parseUint(parts[1], 8)
	if err != nil {
		return Template{}, fmt.Errorf("invalid ttl field %q: %w", parts[1], err)
	}

	if parts[3] != "*" {
		m, err := parseUint(parts[3], 16)
		if err != nil {
			return Template{}, fmt.Errorf("invalid mss field %q: %w", parts[3], err)
		}
		mss = uint16(m)
	}

	windowSize, windowScale, err := parseWindow(parts[4], mss)
	if err != nil {
		return Template{}, err
	}

	options, err := parseLayout(parts[5], mss, windowScale)
	if err != nil {
		return Template{}, err
	}

	return Template{
		InitialTTL: uint8(ttl),
		WindowSize: windowSize,
		Options:    options,
	}, nil
}

// parseWindow handles the wsize,scale field. Accepted forms are "mss*N,S",
// a literal "N,S", and the wildcard "*" (meaning zero window, zero scale).
func parseWindow(field string, mss uint16) (size uint16, scale uint8, err error) {
	switch {
	case strings.HasPrefix(field, "mss*"):
		factor, shift, err := splitWindowPair(field[len("mss*"):])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid window field %q: %w", field, err)
		}
		product := uint64(mss) * uint64(factor)
		if product > 0xFFFF {
			return 0, 0, fmt.Errorf("invalid window field %q: mss*%d exceeds 16 bits", field, factor)
		}
		return uint16(product), shift, nil
	case strings.HasPrefix(field, "mtu*"):
		return 0, 0, fmt.Errorf("invalid window field %q: mtu-relative sizes are not supported", field)
	case field == "*":
		return 0, 0, nil
	default:
		size16, shift, err := splitWindowPair(field)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid window field %q: %w", field, err)
		}
		return size16, shift, nil
	}
}

func splitWindowPair(s string) (uint16, uint8, error) {
	first, second, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("expected \"size,scale\"")
	}
	size, err := parseUint(first, 16)
	if err != nil {
		return 0, 0, err
	}
	scale, err := parseUint(second, 8)
	if err != nil {
		return 0, 0, err
	}
	return uint16(size), uint8(scale), nil
}

// parseLayout expands the option layout into concrete options. Timestamp
// options are emitted with TSval 1 and TSecr 0, the values a fresh SYN
// carries. Unknown layout tokens are skipped.
func parseLayout(field string, mss uint16, windowScale uint8) ([]Option, error) {
	if field == "" {
		return nil, nil
	}
	var options []Option
	for _, item := range strings.Split(field, ",") {
		switch item {
		case "nop":
			options = append(options, Option{Kind: OptionNOP})
		case "mss":
			options = append(options, Option{Kind: OptionMSS, Value: mss})
		case "ws":
			options = append(options, Option{Kind: OptionWindowScale, Value: uint16(windowScale)})
		case "sok":
			options = append(options, Option{Kind: OptionSACKPermitted})
		case "ts":
			options = append(options, Option{Kind: OptionTimestamp, TSVal: 1, TSEcr: 0})
		default:
			// p0f layouts may contain tokens (eol+n, ?n) that have no
			// equivalent in an outgoing probe.
		}
	}
	return options, nil
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}
