// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"strings"
)

// RequestBody is a REQ packet's parsed body: a leading optional
// "SECURITY USER <name>" line, a required "SERVICE <name>" line, and
// whatever option lines the requested service defines, carried verbatim.
//
// This mirrors bsd_recv_security_ok's body grammar: the SECURITY line (if
// present) is stripped from the front, then the first line of what
// remains must be "SERVICE <name>".
type RequestBody struct {
	User    string
	Service string
	Options string
}

// ErrMissingService is returned when a REQ body has no SERVICE line.
var ErrMissingService = fmt.Errorf("protocol: request body has no SERVICE line")

// DecodeRequestBody parses a REQ packet's Body into a RequestBody.
func DecodeRequestBody(body string) (*RequestBody, error) {
	rest := body
	user := ""

	if strings.HasPrefix(rest, "SECURITY ") {
		line, remainder, _ := strings.Cut(rest, "\n")
		fields := strings.SplitN(strings.TrimPrefix(line, "SECURITY "), " ", 2)
		if len(fields) == 2 && fields[0] == "USER" {
			user = fields[1]
		}
		rest = remainder
	}

	if !strings.HasPrefix(rest, "SERVICE ") {
		return nil, ErrMissingService
	}
	line, remainder, _ := strings.Cut(rest, "\n")
	service := strings.TrimPrefix(line, "SERVICE ")
	if service == "" {
		return nil, ErrMissingService
	}

	return &RequestBody{User: user, Service: service, Options: remainder}, nil
}

// EncodeRequestBody is the inverse of DecodeRequestBody, used by the
// client side to build a REQ packet's Body.
func EncodeRequestBody(req RequestBody) string {
	var b strings.Builder
	if req.User != "" {
		b.WriteString("SECURITY USER ")
		b.WriteString(req.User)
		b.WriteString("\n")
	}
	b.WriteString("SERVICE ")
	b.WriteString(req.Service)
	b.WriteString("\n")
	b.WriteString(req.Options)
	return b.String()
}
