// Copyright 2023, DASH-Industry Forum. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

// Package omaferrors defines the error kinds shared across the OMAF
// streaming client pipeline, so that every layer from the segment-stream
// driver up to the media stream manager reports failures the same way.
package omaferrors

import (
	"errors"
	"fmt"
)

// Kind classifies a ClientError. Values mirror the result codes of the
// source player this client is modeled on.
type Kind int

const (
	Ok Kind = iota
	OkSkipped
	OkNoChange
	EndOfFile
	OutOfMemory
	InvalidState
	NotInitialized
	ItemNotFound
	BufferOverflow
	NotReady
	NotSupported
	InvalidData
	AlreadySet
	FileNotFound
	FileOpenFailed
	FileNotMp4
	FileNotSupported
	SegmentChangeFailed
	NetworkAccessFailed
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "Ok"
	case OkSkipped:
		return "OkSkipped"
	case OkNoChange:
		return "OkNoChange"
	case EndOfFile:
		return "EndOfFile"
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidState:
		return "InvalidState"
	case NotInitialized:
		return "NotInitialized"
	case ItemNotFound:
		return "ItemNotFound"
	case BufferOverflow:
		return "BufferOverflow"
	case NotReady:
		return "NotReady"
	case NotSupported:
		return "NotSupported"
	case InvalidData:
		return "InvalidData"
	case AlreadySet:
		return "AlreadySet"
	case FileNotFound:
		return "FileNotFound"
	case FileOpenFailed:
		return "FileOpenFailed"
	case FileNotMp4:
		return "FileNotMp4"
	case FileNotSupported:
		return "FileNotSupported"
	case SegmentChangeFailed:
		return "SegmentChangeFailed"
	case NetworkAccessFailed:
		return "NetworkAccessFailed"
	default:
		return "Unknown"
	}
}

// ClientError is the single error type used across the core. Callers
// should prefer errors.Is(err, omaferrors.InvalidData) style checks via
// Is, or inspect Kind directly after an errors.As.
type ClientError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *ClientError) Unwrap() error { return e.Err }

// New creates a ClientError with no wrapped cause.
func New(op string, kind Kind) error {
	return &ClientError{Op: op, Kind: kind}
}

// Wrap creates a ClientError wrapping err under kind.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{Op: op, Kind: kind, Err: err}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Ok if err is nil, or InvalidState
// if err is a plain, non-ClientError error.
func KindOf(err error) Kind {
	if err == nil {
		return Ok
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return InvalidState
}
