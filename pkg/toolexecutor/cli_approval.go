package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// CLIApprovalHandler asks for approval on a terminal
type CLIApprovalHandler struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewCLIApprovalHandler creates a terminal approval handler. Pass the same
// *bufio.Reader the REPL reads from so buffered input is not lost.
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	br, ok := reader.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(reader)
	}
	return &CLIApprovalHandler{reader: br, writer: writer}
}

// RequestApproval prompts the user and waits for a y/N answer
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.displayApprovalRequest(req)

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := c.readUserInput(req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		return response, nil

	case err := <-errorChan:
		return ApprovalResponse{}, err

	case <-ctx.Done():
		fmt.Fprintln(c.writer, "\n  Approval cancelled")
		return ApprovalResponse{Approved: false, Reason: "cancelled"}, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayApprovalRequest(req ApprovalRequest) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "  == Tool approval required ==")
	fmt.Fprintf(c.writer, "  Tool:       %s\n", req.Tool)

	if req.Macro != "" {
		fmt.Fprintf(c.writer, "  Macro:      %s\n", req.Macro)
	}
	if req.Description != "" {
		fmt.Fprintf(c.writer, "  About:      %s\n", req.Description)
	}
	if len(req.Arguments) > 0 {
		args, err := json.Marshal(req.Arguments)
		if err == nil {
			fmt.Fprintf(c.writer, "  Arguments:  %s\n", args)
		}
	}
	if req.Depth > 0 {
		fmt.Fprintf(c.writer, "  Round:      %d\n", req.Depth+1)
	}

	fmt.Fprint(c.writer, "  Run this tool? [y/N]: ")
}

func (c *CLIApprovalHandler) readUserInput(req ApprovalRequest) (ApprovalResponse, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", err)
	}
	if err == io.EOF && line == "" {
		return ApprovalResponse{Approved: false, Reason: "no input provided"}, nil
	}

	input := strings.TrimSpace(strings.ToLower(line))

	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "  Approved")
		log.Info().Str("tool", req.Tool).Msg("Tool approved via CLI")
		return ApprovalResponse{Approved: true, Reason: "approved by user"}, nil

	case "n", "no", "":
		fmt.Fprintln(c.writer, "  Declined")
		log.Info().Str("tool", req.Tool).Msg("Tool declined via CLI")
		return ApprovalResponse{Approved: false, Reason: "denied by user"}, nil

	default:
		fmt.Fprintf(c.writer, "  Invalid input: %s (defaulting to deny)\n", input)
		log.Warn().Str("tool", req.Tool).Str("input", input).Msg("Invalid input for approval")
		return ApprovalResponse{Approved: false, Reason: fmt.Sprintf("invalid input: %s", input)}, nil
	}
}

// SetWriter sets the output writer
func (c *CLIApprovalHandler) SetWriter(writer io.Writer) {
	c.writer = writer
}
