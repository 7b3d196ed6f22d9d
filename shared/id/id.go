// Package id provides ID generation helpers used across services.
package id

import (
	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixSession  = "ses"
	PrefixMessage  = "msg"
	PrefixFunction = "fn"
	PrefixToolCall = "call"
	PrefixDevice   = "dev"
	PrefixReport   = "rep"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewSession() string  { return New(PrefixSession) }
func NewMessage() string  { return New(PrefixMessage) }
func NewFunction() string { return New(PrefixFunction) }
func NewToolCall() string { return New(PrefixToolCall) }
func NewReport() string   { return New(PrefixReport) }
