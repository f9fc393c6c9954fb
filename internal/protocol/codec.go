// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// EncodePacket produces the header-line + body wire form of p:
//
//	Amanda <major>.<minor> <kind> HANDLE <handle> SEQ <seqno>\n<body>
func EncodePacket(p *Packet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Amanda %d.%d %s HANDLE %s SEQ %d\n",
		ProtocolMajor, ProtocolMinor, p.Kind, p.Handle, p.Seq)
	b.WriteString(p.Body)
	return b.String()
}

// DecodePacket parses the header line of buf and returns the remaining
// bytes as the packet body, tolerant of a body of any length (including one
// containing embedded newlines). An unrecognized kind token, or a header
// line that does not match the expected field layout, fails with
// ErrMalformedHeader.
func DecodePacket(buf string) (*Packet, error) {
	line, body, found := strings.Cut(buf, "\n")
	if !found {
		return nil, fmt.Errorf("%w: no header line", ErrMalformedHeader)
	}

	fields := strings.Fields(line)
	if len(fields) != 7 || fields[0] != "Amanda" || fields[3] != "HANDLE" || fields[5] != "SEQ" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}

	kind, ok := tokenToKind[fields[2]]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized kind %q", ErrMalformedHeader, fields[2])
	}

	seq, err := strconv.ParseUint(fields[6], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad seq %q", ErrMalformedHeader, fields[6])
	}

	return &Packet{
		Kind:   kind,
		Handle: fields[4],
		Seq:    uint32(seq),
		Body:   body,
	}, nil
}
