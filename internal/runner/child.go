// Copyright 2025 Vesta Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runner

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"

	"github.com/go-vesta/vesta/internal/engine/model"
	"github.com/go-vesta/vesta/pkg/log"
	"github.com/go-vesta/vesta/pkg/safe"
)

// The task runtime speaks JSON lines over its pipes:
//
//	runner -> task  {"type":"execute","runId":…,"taskIdentifier":…,"payload":…,"attemptNumber":…}
//	runner -> task  {"type":"waitpoint","waitpoints":[…]}
//	task -> runner  {"type":"result","ok":…,"output":…,"error":…,"retry":…}
//	task -> runner  {"type":"wait","date":"RFC3339"}
//
// Anything else the task prints is forwarded to the runner log. A task
// exiting without a result line completes with its exit status.
type childMessage struct {
	Type string `json:"type"`

	// execute
	RunId          string `json:"runId,omitempty"`
	TaskIdentifier string `json:"taskIdentifier,omitempty"`
	Payload        string `json:"payload,omitempty"`
	PayloadType    string `json:"payloadType,omitempty"`
	AttemptNumber  int    `json:"attemptNumber,omitempty"`

	// waitpoint delivery
	Waitpoints []*model.Waitpoint `json:"waitpoints,omitempty"`
}

// childEvent is what the task process sent back, or its exit.
type childEvent struct {
	Result *model.CompleteAttemptReq // non-nil for a result line
	Wait   *time.Time                // non-nil for a wait request
	Exit   *exec.ExitError           // process ended without a result; nil error means clean exit
	Ended  bool
}

type childProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	events    chan childEvent
	stopOnce  sync.Once
	writeMu   sync.Mutex
	killGrace time.Duration
}

// taskResultLine mirrors the result frame the task prints.
type taskResultLine struct {
	Type   string                 `json:"type"`
	Ok     bool                   `json:"ok"`
	Output string                 `json:"output,omitempty"`
	Error  *model.ErrorBody       `json:"error,omitempty"`
	Retry  *model.RetryOptionsReq `json:"retry,omitempty"`
	Date   string                 `json:"date,omitempty"`
}

// startChild launches the task runtime for one attempt and feeds it the
// execute frame.
func startChild(command []string, workDir string, envVars map[string]string,
	execMsg childMessage, killGrace time.Duration) (*childProcess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no task command configured")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()
	for k, v := range envVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start task process: %w", err)
	}

	c := &childProcess{
		cmd:       cmd,
		stdin:     stdin,
		events:    make(chan childEvent, 4),
		killGrace: killGrace,
	}

	safe.Go(func() { c.readStdout(stdout) })
	safe.Go(func() { c.readStderr(stderr) })

	if err := c.send(execMsg); err != nil {
		c.stop()
		return nil, fmt.Errorf("write execute frame: %w", err)
	}

	log.Infow("task process started", "pid", cmd.Process.Pid,
		"runId", execMsg.RunId, "attempt", execMsg.AttemptNumber)
	return c, nil
}

// send writes one JSON line to the task's stdin.
func (c *childProcess) send(msg childMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// deliver hands completed waitpoints to the running task.
func (c *childProcess) deliver(waitpoints []*model.Waitpoint) error {
	if len(waitpoints) == 0 {
		return nil
	}
	return c.send(childMessage{Type: "waitpoint", Waitpoints: waitpoints})
}

// readStdout parses control lines and forwards the rest to the log. The
// exit event is emitted from here so it always trails the final output.
func (c *childProcess) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			if line != "" {
				log.Infow("task output", "line", line)
			}
			continue
		}

		var frame taskResultLine
		if err := sonic.Unmarshal([]byte(line), &frame); err != nil {
			log.Infow("task output", "line", line)
			continue
		}

		switch frame.Type {
		case "result":
			c.events <- childEvent{Result: &model.CompleteAttemptReq{
				Ok:     frame.Ok,
				Output: frame.Output,
				Error:  frame.Error,
				Retry:  frame.Retry,
			}}
		case "wait":
			date, err := time.Parse(time.RFC3339, frame.Date)
			if err != nil {
				log.Warnw("task wait frame has invalid date", "date", frame.Date, "error", err)
				continue
			}
			c.events <- childEvent{Wait: &date}
		default:
			log.Infow("task output", "line", line)
		}
	}

	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitErr = ee
		} else {
			log.Warnw("task process wait failed", "error", err)
		}
	}
	c.events <- childEvent{Ended: true, Exit: exitErr}
	close(c.events)
}

func (c *childProcess) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Warnw("task stderr", "line", line)
		}
	}
}

// stop terminates the task: SIGTERM, then SIGKILL after the grace
// period. Safe to call repeatedly and after exit.
func (c *childProcess) stop() {
	c.stopOnce.Do(func() {
		_ = c.stdin.Close()
		if c.cmd.Process == nil {
			return
		}
		pid := c.cmd.Process.Pid
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return // already gone
		}
		log.Infow("task process stopping", "pid", pid)

		safe.Go(func() {
			timer := time.NewTimer(c.killGrace)
			defer timer.Stop()
			<-timer.C
			if c.cmd.ProcessState == nil {
				log.Warnw("task process ignored SIGTERM, killing", "pid", pid)
				_ = c.cmd.Process.Kill()
			}
		})
	})
}

// exitResult synthesizes a completion for a task that ended without a
// result line.
func exitResult(exit *exec.ExitError) *model.CompleteAttemptReq {
	if exit == nil {
		return &model.CompleteAttemptReq{Ok: true}
	}
	return &model.CompleteAttemptReq{
		Ok: false,
		Error: &model.ErrorBody{
			Type:    "USER",
			Code:    "TASK_PROCESS_EXITED",
			Message: exit.Error(),
		},
	}
}
