// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dispatcher

import (
	"fmt"
	"os"
)

// dataChannel is one of the DataFDCount numbered pipe pairs a spawned
// service receives (spec §4.H invariant: "DATA_FD_COUNT pairs of (read,
// write) pipes at DATA_FD_OFFSET onwards"). toChild/fromChild are the
// dispatcher's ends; childRead/childWrite are handed to the child process
// as consecutive fds via exec.Cmd.ExtraFiles.
type dataChannel struct {
	toChild    *os.File // dispatcher writes here; child reads its paired fd
	fromChild  *os.File // dispatcher reads here; child writes its paired fd
	childRead  *os.File // closed in the parent once the child has started
	childWrite *os.File
}

// allocateDataChannels builds count data channels. Go's exec.Cmd always
// places ExtraFiles immediately after stdin/stdout/stderr, so appending
// two files per channel to ExtraFiles naturally lands each channel's pair
// at DataFDOffset+2*i and DataFDOffset+2*i+1 without any explicit fd
// renumbering — DataFDOffset is 3 precisely because stdin/stdout/stderr
// always claim 0/1/2 first.
func allocateDataChannels(count int) ([]*dataChannel, []*os.File, error) {
	channels := make([]*dataChannel, 0, count)
	extraFiles := make([]*os.File, 0, count*2)

	cleanup := func() {
		for _, ch := range channels {
			ch.toChild.Close()
			ch.fromChild.Close()
			ch.childRead.Close()
			ch.childWrite.Close()
		}
	}

	for i := 0; i < count; i++ {
		childRead, toChild, err := os.Pipe()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("dispatcher: allocating data channel %d read pipe: %w", i, err)
		}
		fromChild, childWrite, err := os.Pipe()
		if err != nil {
			toChild.Close()
			childRead.Close()
			cleanup()
			return nil, nil, fmt.Errorf("dispatcher: allocating data channel %d write pipe: %w", i, err)
		}

		ch := &dataChannel{
			toChild:    toChild,
			fromChild:  fromChild,
			childRead:  childRead,
			childWrite: childWrite,
		}
		channels = append(channels, ch)
		extraFiles = append(extraFiles, childRead, childWrite)
	}

	return channels, extraFiles, nil
}

// closeChildEnds closes the parent's copy of the fds handed to the child;
// the child keeps its own dup'd copies alive after exec.
func closeChildEnds(channels []*dataChannel) {
	for _, ch := range channels {
		ch.childRead.Close()
		ch.childWrite.Close()
	}
}

// closeAll closes every fd a dispatcher still owns for these channels,
// used once the service has finished and all relays have drained.
func closeAll(channels []*dataChannel) {
	for _, ch := range channels {
		ch.toChild.Close()
		ch.fromChild.Close()
	}
}
