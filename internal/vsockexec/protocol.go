// Package vsockexec is the newline-delimited JSON protocol spoken between
// the firecracker backend and the in-guest agent. Each connection carries
// exactly one request.
package vsockexec

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const DefaultPort uint32 = 10700

const (
	RequestPing       = "ping"
	RequestExec       = "exec"
	RequestWriteFile  = "write_file"
	RequestReadFile   = "read_file"
	RequestRemoveFile = "remove_file"
)

const (
	FrameOutput = "output"
	FrameExit   = "exit"
	FrameResult = "result"
	// FrameKill flows host to guest on an exec connection.
	FrameKill = "kill"
)

type Request struct {
	Type    string   `json:"type"`
	Command []string `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Path    string   `json:"path,omitempty"`
	Data    []byte   `json:"data,omitempty"`
}

type Frame struct {
	Type     string `json:"type"`
	Data     []byte `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, err
	}
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	switch req.Type {
	case RequestPing:
	case RequestExec:
		if len(req.Command) == 0 {
			return Request{}, errors.New("missing command")
		}
		if strings.TrimSpace(req.Command[0]) == "" {
			return Request{}, errors.New("missing command executable")
		}
	case RequestWriteFile, RequestReadFile, RequestRemoveFile:
		if strings.TrimSpace(req.Path) == "" {
			return Request{}, errors.New("missing path")
		}
	default:
		return Request{}, fmt.Errorf("unknown request type %q", req.Type)
	}
	return req, nil
}

func EncodeRequest(w io.Writer, req Request) error {
	return json.NewEncoder(w).Encode(req)
}

func EncodeFrame(w io.Writer, frame Frame) error {
	return json.NewEncoder(w).Encode(frame)
}

// FrameDecoder reads consecutive frames from one connection.
type FrameDecoder struct {
	dec *json.Decoder
}

func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{dec: json.NewDecoder(r)}
}

func (d *FrameDecoder) Next() (Frame, error) {
	var frame Frame
	if err := d.dec.Decode(&frame); err != nil {
		return Frame{}, err
	}
	frame.Type = strings.ToLower(strings.TrimSpace(frame.Type))
	switch frame.Type {
	case FrameOutput, FrameExit, FrameResult, FrameKill:
		return frame, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// StreamOutput copies output frames into w until the exit frame arrives.
func StreamOutput(dec *FrameDecoder, w io.Writer) (Frame, error) {
	for {
		frame, err := dec.Next()
		if err != nil {
			return Frame{}, err
		}
		switch frame.Type {
		case FrameOutput:
			if len(frame.Data) == 0 {
				continue
			}
			if _, err := w.Write(frame.Data); err != nil {
				return Frame{}, err
			}
		case FrameExit:
			return frame, nil
		default:
			return Frame{}, fmt.Errorf("unexpected %s frame during exec", frame.Type)
		}
	}
}
