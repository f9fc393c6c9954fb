// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "testing"

func TestDecodeRequestBody_SecurityAndServiceLines(t *testing.T) {
	body := "SECURITY USER amanda\nSERVICE sendbackup\nOPTIONS features=f;\n"
	req, err := DecodeRequestBody(body)
	if err != nil {
		t.Fatalf("DecodeRequestBody: %v", err)
	}
	if req.User != "amanda" {
		t.Errorf("expected user 'amanda', got %q", req.User)
	}
	if req.Service != "sendbackup" {
		t.Errorf("expected service 'sendbackup', got %q", req.Service)
	}
	if req.Options != "OPTIONS features=f;\n" {
		t.Errorf("unexpected options: %q", req.Options)
	}
}

func TestDecodeRequestBody_NoSecurityLine(t *testing.T) {
	req, err := DecodeRequestBody("SERVICE noop\n")
	if err != nil {
		t.Fatalf("DecodeRequestBody: %v", err)
	}
	if req.User != "" || req.Service != "noop" {
		t.Errorf("unexpected parse: %+v", req)
	}
}

func TestDecodeRequestBody_MissingServiceLineIsError(t *testing.T) {
	if _, err := DecodeRequestBody("SECURITY USER amanda\nGARBAGE\n"); err == nil {
		t.Error("expected missing SERVICE line to be an error")
	}
}

func TestEncodeDecodeRequestBody_RoundTrip(t *testing.T) {
	req := RequestBody{User: "amanda", Service: "sendsize", Options: "OPTIONS foo;\n"}
	body := EncodeRequestBody(req)
	got, err := DecodeRequestBody(body)
	if err != nil {
		t.Fatalf("DecodeRequestBody: %v", err)
	}
	if *got != req {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}
