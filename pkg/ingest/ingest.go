// Copyright 2025 Craftscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

// Package ingest accepts scan results from the external probe engine.
//
// The engine connects over TCP (or pipes into stdin) and streams one JSON
// frame per line, one frame per captured response. On connect the server
// answers with a single hello frame describing the probe profile: the TCP
// template every outgoing SYN must match and the status-request target
// parameters. Malformed frames are logged and skipped; the stream continues.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/craftscan/craftscan/pkg/processing"
	"github.com/craftscan/craftscan/pkg/tcpsig"
)

// maxFrameSize bounds one NDJSON line. Status responses are capped well
// below this by the protocol itself.
const maxFrameSize = 4 << 20

// Frame is one scan result as the probe engine reports it. Data is
// base64-encoded on the wire, which encoding/json handles for []byte.
type Frame struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Protocol string `json:"protocol"`
	Data     []byte `json:"data"`
	Mode     string `json:"mode,omitempty"`
}

// Hello is the first frame written on every connection. The engine shapes
// its probes from it.
type Hello struct {
	TCP    HelloTCP    `json:"tcp"`
	Target HelloTarget `json:"target"`
}

// HelloTCP mirrors a tcpsig.Template in wire form.
type HelloTCP struct {
	TTL     uint8    `json:"ttl"`
	Window  uint16   `json:"window"`
	Options []string `json:"options"`
}

// HelloTarget carries the status-request parameters.
type HelloTarget struct {
	Port            uint16 `json:"port"`
	ProtocolVersion int32  `json:"protocolVersion"`
}

// NewHello renders a parsed TCP template and target config into the frame
// sent to connecting engines.
func NewHello(template tcpsig.Template, port uint16, protocolVersion int32) Hello {
	options := make([]string, 0, len(template.Options))
	for _, opt := range template.Options {
		switch opt.Kind {
		case tcpsig.OptionNOP:
			options = append(options, "nop")
		case tcpsig.OptionMSS:
			options = append(options, fmt.Sprintf("mss:%d", opt.Value))
		case tcpsig.OptionWindowScale:
			options = append(options, fmt.Sprintf("ws:%d", opt.Value))
		case tcpsig.OptionSACKPermitted:
			options = append(options, "sok")
		case tcpsig.OptionTimestamp:
			options = append(options, fmt.Sprintf("ts:%d/%d", opt.TSVal, opt.TSEcr))
		}
	}
	return Hello{
		TCP: HelloTCP{
			TTL:     template.InitialTTL,
			Window:  template.WindowSize,
			Options: options,
		},
		Target: HelloTarget{
			Port:            port,
			ProtocolVersion: protocolVersion,
		},
	}
}

// Submitter enqueues one response for processing. *processing.Service
// implements it; Submit reports false when the queue is full.
type Submitter interface {
	Submit(resp processing.Response) bool
}

// Server accepts engine connections and feeds their frames to a Submitter.
type Server struct {
	listen string
	hello  Hello
	submit Submitter
	logger zerolog.Logger
}

// NewServer builds a feed listening on listen, or reading stdin when listen
// is "-".
func NewServer(listen string, hello Hello, submit Submitter) *Server {
	return &Server{
		listen: listen,
		hello:  hello,
		submit: submit,
		logger: log.With().Str("component", "ingest").Logger(),
	}
}

// Run serves until ctx is cancelled. In stdin mode it returns when the
// stream ends.
func (s *Server) Run(ctx context.Context) error {
	if s.listen == "-" {
		s.logger.Info().Msg("reading scan results from stdin")
		return s.serveStream(ctx, os.Stdin, os.Stdout)
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("ingest listen on %s: %w", s.listen, err)
	}
	s.logger.Info().Str("listen", s.listen).Msg("accepting probe engine connections")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			// unblock the stream reader on shutdown
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("engine connected")
			if err := s.serveStream(ctx, conn, conn); err != nil {
				s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("engine stream ended")
			}
		}()
	}
}

// serveStream writes the hello frame and consumes result frames until the
// reader ends or ctx is cancelled.
func (s *Server) serveStream(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(s.hello); err != nil {
		return fmt.Errorf("writing hello frame: %w", err)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := decodeFrame(line)
		if err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		if !s.submit.Submit(resp) {
			s.logger.Warn().Stringer("target", resp.Target).Msg("queue full, response dropped")
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func decodeFrame(line []byte) (processing.Response, error) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return processing.Response{}, fmt.Errorf("decoding frame: %w", err)
	}
	addr, err := netip.ParseAddr(frame.IP)
	if err != nil {
		return processing.Response{}, fmt.Errorf("frame address %q: %w", frame.IP, err)
	}
	if !addr.Is4() {
		return processing.Response{}, fmt.Errorf("frame address %q: only IPv4 targets are scanned", frame.IP)
	}
	if frame.Port == 0 {
		return processing.Response{}, fmt.Errorf("frame for %s has no port", frame.IP)
	}
	return processing.Response{
		Target:   netip.AddrPortFrom(addr, frame.Port),
		Protocol: processing.Protocol(frame.Protocol),
		Payload:  frame.Data,
		Received: time.Now(),
		Mode:     frame.Mode,
	}, nil
}
