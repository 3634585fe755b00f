package pool

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// ChildHandler runs one CPU-bound task inside a pool child process, given
// its still-encoded payload (decoding happens with whatever Serializer the
// child-mode entry point was built with, mirroring the Worker's own
// Serializer Port configuration).
type ChildHandler func(taskName string, payload []byte) ([]byte, error)

// RunChild is the child-process side of the IPC protocol Pool speaks. A
// host binary's child-mode entry point calls this with
// its own copy of the CPU-bound task registry, then blocks until stdin is
// closed (the parent exiting, or Pool.Shutdown killing it).
func RunChild(in io.Reader, out io.Writer, handle ChildHandler) error {
	reader := bufio.NewReader(in)
	writer := bufio.NewWriter(out)

	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			writeResponse(writer, response{OK: false, Error: err.Error()})
			continue
		}

		payload, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			writeResponse(writer, response{OK: false, Error: err.Error()})
			continue
		}

		result, err := handle(req.TaskName, payload)
		if err != nil {
			writeResponse(writer, response{OK: false, Error: err.Error()})
			continue
		}
		writeResponse(writer, response{OK: true, Result: base64.StdEncoding.EncodeToString(result)})
	}
}

func writeResponse(w *bufio.Writer, resp response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("pool: failed to marshal child response: %w", err)
	}
	if _, err := w.Write(append(b, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
