package cli

import (
	stderrors "errors"
	"fmt"
	"io"

	"github.com/grovetools/collab/errors"
)

// ErrorHandler turns CollabErrors into actionable messages.
type ErrorHandler struct {
	Verbose bool
	Out     io.Writer
}

// NewErrorHandler creates an error handler writing to out.
func NewErrorHandler(verbose bool, out io.Writer) *ErrorHandler {
	return &ErrorHandler{
		Verbose: verbose,
		Out:     out,
	}
}

// Handle prints a message for err and returns it unchanged.
func (h *ErrorHandler) Handle(err error) error {
	t := DefaultTheme
	prefix := t.Error.Render("✗")

	var ce *errors.CollabError
	stderrors.As(err, &ce)

	switch errors.GetCode(err) {
	case errors.ErrCodeConfigNotFound:
		fmt.Fprintf(h.Out, "%s Configuration not found: %v\n", prefix, ce.Details["path"])
		fmt.Fprintln(h.Out, t.Muted.Render("Create a collab.yml or pass --config."))

	case errors.ErrCodeConfigInvalid, errors.ErrCodeConfigValidation:
		fmt.Fprintf(h.Out, "%s %s\n", prefix, ce.Message)
		fmt.Fprintln(h.Out, t.Muted.Render("Run 'collab schema' to see the accepted keys."))

	case errors.ErrCodeAuthRejected:
		fmt.Fprintf(h.Out, "%s The server rejected the join for '%v': %v\n", prefix, ce.Details["topic"], ce.Details["reason"])
		fmt.Fprintln(h.Out, t.Muted.Render("Check server.token, or mint one with 'collab token'."))

	case errors.ErrCodeJoinRejected:
		fmt.Fprintf(h.Out, "%s Could not join '%v': %v\n", prefix, ce.Details["topic"], ce.Details["reason"])

	case errors.ErrCodeNotConnected, errors.ErrCodeChannelClosed:
		fmt.Fprintf(h.Out, "%s %s\n", prefix, ce.Message)
		fmt.Fprintln(h.Out, t.Muted.Render("Is the relay running? Try 'collab relay status'."))

	default:
		fmt.Fprintf(h.Out, "%s Error: %v\n", prefix, err)
	}

	if h.Verbose && ce != nil {
		fmt.Fprintf(h.Out, "\nError details:\n%s\n", ce.ToJSON())
	}
	return err
}
