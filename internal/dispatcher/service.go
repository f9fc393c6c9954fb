// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dispatcher

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-dispatch/internal/protocol"
	"github.com/nishisan-dev/n-dispatch/internal/security"
)

// State names a stage of the per-request dispatcher state machine (spec
// §4.H).
type State string

const (
	StateSendAck   State = "s_sendack"
	StateRepWait   State = "s_repwait"
	StateProcessRep State = "s_processrep"
	StateSendRep   State = "s_sendrep"
	StateAckWait   State = "s_ackwait"
	StateFinish    State = "FINISH"
	StateAbort     State = "ABORT"
)

// mesgInfoEndTerminator is the literal marker the sendbackup service
// writes to its MESG channel once its info section is complete (spec
// §4.H sendbackup special case).
const mesgInfoEndTerminator = "sendbackup: info end\n"

// sendbackupDataChannel/sendbackupMesgChannel are the fixed channel
// indices sendbackup uses among a service's DataFDCount channels.
const (
	sendbackupDataChannel = 0
	sendbackupMesgChannel = 1
)

// ActiveService tracks one spawned backup service from ACK through
// FINISH/ABORT (spec §3 ActiveService / §4.H).
type ActiveService struct {
	d      *Dispatcher
	h      *security.Handle
	logger *slog.Logger

	reqHandle string
	reqSeq    uint32
	service   string
	reqBody   string
	partial   bool

	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stdout       io.ReadCloser
	stderr       io.ReadCloser
	dataChannels []*dataChannel

	mu           sync.Mutex
	state        State
	replyBuf     bytes.Buffer
	replyOversize bool
	kencrypt     bool
	ackTriesLeft int
	ackTimer     *time.Timer
	streams      map[int]*security.Stream
	finished     bool
}

// newActiveService spawns the service process and returns an
// ActiveService ready to run its state machine. The caller has already
// authorized the peer and resolved servicePath.
func newActiveService(d *Dispatcher, h *security.Handle, pkt *protocol.Packet, req *protocol.RequestBody, servicePath string, logger *slog.Logger) (*ActiveService, error) {
	dataChannels, extraFiles, err := allocateDataChannels(d.cfg.Tunables.DataFDCount)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(servicePath)
	cmd.Env = append(cmd.Environ(), "AMANDA_AUTHENTICATED_PEER="+h.PeerHostname)
	cmd.ExtraFiles = extraFiles

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(dataChannels)
		return nil, fmt.Errorf("dispatcher: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(dataChannels)
		return nil, fmt.Errorf("dispatcher: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(dataChannels)
		return nil, fmt.Errorf("dispatcher: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(dataChannels)
		return nil, fmt.Errorf("dispatcher: starting %s: %w", req.Service, err)
	}
	closeChildEnds(dataChannels)

	svc := &ActiveService{
		d:            d,
		h:            h,
		logger:       logger,
		reqHandle:    pkt.Handle,
		reqSeq:       pkt.Seq,
		service:      req.Service,
		reqBody:      pkt.Body,
		partial:      req.Service == "sendsize" && strings.Contains(req.Options, "partial_estimate"),
		cmd:          cmd,
		stdin:        stdin,
		stdout:       stdout,
		stderr:       stderr,
		dataChannels: dataChannels,
		state:        StateSendAck,
		ackTriesLeft: d.cfg.Tunables.AckRetryLimit,
		streams:      make(map[int]*security.Stream),
	}
	return svc, nil
}

// run drives the whole state machine; spec §4.H's five states, executed
// top to bottom with the retry loops folded in per-state.
func (s *ActiveService) run() {
	defer s.d.release(s.reqHandle)

	s.sendAck()
	if _, err := io.WriteString(s.stdin, s.reqBody); err != nil {
		s.logger.Warn("failed writing request body to service stdin", "error", err)
	}
	s.stdin.Close()

	s.repWait()
	s.mu.Lock()
	oversize := s.replyOversize
	s.mu.Unlock()
	if oversize {
		s.logger.Error("service reply exceeded max frame payload, aborting",
			"service", s.service, "max_bytes", protocol.MaxFramePayload,
			"error", security.NewError(security.KindFrameOversize, s.h.PeerHostname, s.h.Driver, fmt.Errorf("service %s reply exceeded %d bytes", s.service, protocol.MaxFramePayload)))
		s.finish(StateAbort)
		return
	}
	s.processRep()
	if s.sendRep() {
		s.ackWait()
	}
}

func (s *ActiveService) sendAck() {
	s.setState(StateSendAck)
	if err := s.d.driver.SendPkt(s.h, &protocol.Packet{Kind: protocol.KindAck, Handle: s.reqHandle, Seq: s.reqSeq}); err != nil {
		s.logger.Warn("failed sending ACK", "error", err)
	}
	s.setState(StateRepWait)
}

// onDuplicateReq handles a re-arriving REQ for a handle already in
// flight: re-ACK in s_sendack/s_repwait, resend the REP in s_ackwait
// (spec §4.H).
func (s *ActiveService) onDuplicateReq() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case StateSendAck, StateRepWait:
		if err := s.d.driver.SendPkt(s.h, &protocol.Packet{Kind: protocol.KindAck, Handle: s.reqHandle, Seq: s.reqSeq}); err != nil {
			s.logger.Warn("failed re-sending ACK for duplicate REQ", "error", err)
		}
	case StateAckWait:
		s.resendRep()
	}
}

// repWait accumulates reply bytes from the child's stdout until EOF or a
// timeout, forwarding each chunk as a PREP if the peer asked for partial
// estimates. Accumulation stops once the buffer reaches
// protocol.MaxFramePayload (128*NETWORK_BLOCK_BYTES); a reply that large
// is a misbehaving service, not a larger-than-usual one, and is reported
// as FrameOversize rather than grown without bound.
func (s *ActiveService) repWait() {
	done := make(chan struct{})
	buf := make([]byte, protocol.NetworkBlockBytes)

	go func() {
		defer close(done)
		for {
			n, err := s.stdout.Read(buf)
			if n > 0 {
				s.mu.Lock()
				if s.replyBuf.Len()+n > protocol.MaxFramePayload {
					s.replyOversize = true
					s.mu.Unlock()
					return
				}
				s.replyBuf.Write(buf[:n])
				s.mu.Unlock()
				if s.partial {
					s.sendPartial(buf[:n])
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(s.d.cfg.Tunables.ReplyTimeout):
		s.logger.Warn("reply timeout waiting on service stdout")
	}

	waitErr := s.cmd.Wait()
	stderrBytes, _ := io.ReadAll(s.stderr)
	if len(stderrBytes) > 0 {
		s.logger.Warn("service stderr output", "service", s.service, "output", string(stderrBytes))
	}
	if waitErr != nil {
		s.mu.Lock()
		fmt.Fprintf(&s.replyBuf, "ERROR service %s failed: %v\n", s.service, waitErr)
		s.mu.Unlock()
	}
}

func (s *ActiveService) sendPartial(chunk []byte) {
	if err := s.d.driver.SendPkt(s.h, &protocol.Packet{Kind: protocol.KindPrep, Handle: s.reqHandle, Body: string(chunk)}); err != nil {
		s.logger.Warn("failed sending PREP", "error", err)
	}
}

// processRep implements the CONNECT channel-id translation and KENCRYPT
// detection (spec §4.H s_processrep).
func (s *ActiveService) processRep() {
	s.setState(StateProcessRep)

	s.mu.Lock()
	body := s.replyBuf.String()
	s.mu.Unlock()

	if strings.Contains(body, "KENCRYPT\n") {
		s.mu.Lock()
		s.kencrypt = true
		s.mu.Unlock()
	}

	lines := strings.SplitAfter(body, "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "CONNECT") {
		return
	}

	translated := s.translateConnectLine(lines[0])
	lines[0] = translated

	s.mu.Lock()
	s.replyBuf.Reset()
	s.replyBuf.WriteString(strings.Join(lines, ""))
	s.mu.Unlock()
}

// translateConnectLine rewrites "CONNECT <tag> <local-id> ..." pairs into
// "<tag> <wire-id>" by allocating a server-numbered stream per pair.
func (s *ActiveService) translateConnectLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 1 || fields[0] != "CONNECT" {
		return line
	}

	out := make([]string, 0, len(fields))
	out = append(out, "CONNECT")

	for i := 1; i+1 < len(fields); i += 2 {
		tag := fields[i]
		var localID int
		if _, err := fmt.Sscanf(fields[i+1], "%d", &localID); err != nil {
			out = append(out, tag, fields[i+1])
			continue
		}

		stream, err := s.d.driver.StreamServer(s.h)
		if err != nil {
			s.logger.Error("failed to allocate stream for CONNECT channel", "tag", tag, "error", err)
			out = append(out, tag, fields[i+1])
			continue
		}

		s.mu.Lock()
		s.streams[localID] = stream
		s.mu.Unlock()

		out = append(out, tag, fmt.Sprintf("%d", stream.ID()))
	}

	return strings.Join(out, " ") + "\n"
}

// sendRep sends the final REP and advances to s_ackwait. Returns false
// if the send failed outright (terminal).
func (s *ActiveService) sendRep() bool {
	s.setState(StateSendRep)

	s.mu.Lock()
	body := s.replyBuf.String()
	s.mu.Unlock()

	if err := s.d.driver.SendPkt(s.h, &protocol.Packet{Kind: protocol.KindRep, Handle: s.reqHandle, Seq: s.reqSeq, Body: body}); err != nil {
		s.logger.Error("failed sending REP", "error", err)
		s.finish(StateAbort)
		return false
	}

	s.setState(StateAckWait)
	return true
}

func (s *ActiveService) resendRep() {
	s.mu.Lock()
	body := s.replyBuf.String()
	s.mu.Unlock()
	if err := s.d.driver.SendPkt(s.h, &protocol.Packet{Kind: protocol.KindRep, Handle: s.reqHandle, Seq: s.reqSeq, Body: body}); err != nil {
		s.logger.Warn("failed resending REP", "error", err)
	}
}

// ackWait awaits the final ACK, retrying the REP send up to
// AckRetryLimit times, then relays any CONNECT-opened channels (spec
// §4.H s_ackwait).
func (s *ActiveService) ackWait() {
	ackCh := make(chan *protocol.Packet, 1)
	s.h.RecvPkt(func(h *security.Handle, pkt *protocol.Packet, status security.Status) {
		if status == security.StatusOK && pkt.Kind == protocol.KindAck {
			ackCh <- pkt
		}
	})

	for {
		select {
		case <-ackCh:
			s.finish(StateFinish)
			s.relayChannels()
			return
		case <-time.After(s.d.cfg.Tunables.AckTimeout):
			s.mu.Lock()
			if s.ackTriesLeft <= 0 {
				s.mu.Unlock()
				s.finish(StateAbort)
				return
			}
			s.ackTriesLeft--
			s.mu.Unlock()
			s.resendRep()
		}
	}
}

// relayChannels copies bytes between each CONNECT-opened stream and its
// corresponding data pipe, deferring the sendbackup DATA channel's start
// until the MESG channel has emitted the info-end terminator (spec §4.H
// sendbackup special case).
func (s *ActiveService) relayChannels() {
	s.mu.Lock()
	streams := make(map[int]*security.Stream, len(s.streams))
	for k, v := range s.streams {
		streams[k] = v
	}
	s.mu.Unlock()

	if len(streams) == 0 {
		return
	}

	var wg sync.WaitGroup
	dataReady := make(chan struct{})
	deferData := s.service == "sendbackup"
	if !deferData {
		close(dataReady)
	}

	for idx, stream := range streams {
		idx, stream := idx, stream
		if idx < 0 || idx >= len(s.dataChannels) {
			continue
		}
		ch := s.dataChannels[idx]

		if deferData && idx == sendbackupMesgChannel {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.relayMesgThenSignal(stream, ch, dataReady)
			}()
			continue
		}
		if deferData && idx == sendbackupDataChannel {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-dataReady
				s.relayStream(stream, ch)
			}()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.relayStream(stream, ch)
		}()
	}

	wg.Wait()
}

// relayMesgThenSignal relays the MESG channel like any other while
// scanning a rolling byte window for the info-end terminator; once seen,
// it closes dataReady so the deferred DATA-channel relay may start. The
// window is re-scanned after every chunk so the terminator is still
// found when it straddles a read boundary (spec §4.H: "keeps a rolling
// byte window ... and re-scans it after every MESG chunk").
func (s *ActiveService) relayMesgThenSignal(stream *security.Stream, ch *dataChannel, dataReady chan struct{}) {
	signaled := false
	signalOnce := func() {
		if !signaled {
			signaled = true
			close(dataReady)
		}
	}
	defer signalOnce()

	// tail holds the last windowLen-1 bytes carried over from the previous
	// chunk, so each scan covers len(chunk)+windowLen-1 bytes regardless of
	// where the terminator falls relative to a Read boundary.
	var tail []byte
	windowLen := len(mesgInfoEndTerminator)

	inbound := make(chan struct{})
	go func() {
		defer close(inbound)
		readStreamInto(stream, ch.toChild)
		ch.toChild.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, err := ch.fromChild.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if writeErr := stream.Write(chunk); writeErr != nil {
				s.logger.Warn("failed relaying MESG chunk", "error", writeErr)
			}

			window := append(append([]byte{}, tail...), chunk...)
			if !signaled && bytes.Contains(window, []byte(mesgInfoEndTerminator)) {
				signalOnce()
			}
			if len(window) > windowLen-1 {
				tail = append([]byte{}, window[len(window)-(windowLen-1):]...)
			} else {
				tail = window
			}
		}
		if err != nil {
			break
		}
	}
	stream.Close()
	<-inbound
}

// relayStream copies bytes bidirectionally between stream and ch until
// both directions reach EOF.
func (s *ActiveService) relayStream(stream *security.Stream, ch *dataChannel) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(streamWriter{stream}, ch.fromChild)
		stream.Close()
	}()
	go func() {
		defer wg.Done()
		readStreamInto(stream, ch.toChild)
		ch.toChild.Close()
	}()
	wg.Wait()
}

// streamWriter adapts security.Stream's frame-per-Write contract to
// io.Writer for use with io.Copy.
type streamWriter struct{ s *security.Stream }

func (w streamWriter) Write(p []byte) (int, error) {
	if err := w.s.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// readStreamInto drains stream's callback-based Read into w until EOF.
func readStreamInto(stream *security.Stream, w io.Writer) {
	done := make(chan struct{})
	var readNext func()
	readNext = func() {
		stream.Read(func(s *security.Stream, buf []byte, status security.Status) {
			if status != security.StatusOK || buf == nil {
				close(done)
				return
			}
			w.Write(buf)
			readNext()
		})
	}
	readNext()
	<-done
}

func (s *ActiveService) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *ActiveService) finish(st State) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = st
	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	s.mu.Unlock()
	s.h.RecvPktCancel()
}
