package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/darkhz/bluestream/api/bluetooth"
	"github.com/darkhz/bluestream/api/errorkinds"
)

// terminalAgent answers pairing requests by prompting on the terminal.
type terminalAgent struct {
	mu   sync.Mutex
	in   io.Reader
	out  io.Writer
	once sync.Once

	lines chan string
}

func newTerminalAgent(in io.Reader, out io.Writer) *terminalAgent {
	return &terminalAgent{in: in, out: out, lines: make(chan string)}
}

// RequestPinCode asks for a legacy PIN code.
func (t *terminalAgent) RequestPinCode(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, secure bool) (string, error) {
	prompt := fmt.Sprintf("Enter PIN code for %s: ", address)
	if secure {
		prompt = fmt.Sprintf("Enter 16 digit PIN code for %s: ", address)
	}

	pin, err := t.ask(timeout, prompt)
	if err != nil {
		return "", err
	}

	if pin == "" {
		return "", errorkinds.ErrMethodCanceled
	}

	return pin, nil
}

// RequestPasskey asks for a six digit passkey.
func (t *terminalAgent) RequestPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress) (uint32, error) {
	answer, err := t.ask(timeout, fmt.Sprintf("Enter passkey for %s: ", address))
	if err != nil {
		return 0, err
	}

	passkey, err := strconv.ParseUint(answer, 10, 32)
	if err != nil || passkey > 999999 {
		return 0, fmt.Errorf("%q is not a valid passkey: %w", answer, errorkinds.ErrInvalidParameters)
	}

	return uint32(passkey), nil
}

// ConfirmPasskey asks whether the passkey shown on the device matches.
func (t *terminalAgent) ConfirmPasskey(timeout bluetooth.AuthTimeout, address bluetooth.MacAddress, passkey uint32) error {
	answer, err := t.ask(timeout, fmt.Sprintf("Confirm passkey %06d for %s (yes/no): ", passkey, address))
	if err != nil {
		return err
	}

	switch strings.ToLower(answer) {
	case "y", "yes":
		return nil
	}

	return errorkinds.ErrMethodCanceled
}

// ask prints the prompt and waits for one line of input, or the timeout.
func (t *terminalAgent) ask(timeout bluetooth.AuthTimeout, prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.once.Do(func() { go t.read() })

	fmt.Fprint(t.out, prompt)

	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", io.EOF
		}

		return line, nil

	case <-timeout.Done():
		fmt.Fprintln(t.out)
		return "", errorkinds.ErrMethodTimeout
	}
}

// read forwards the input lines until the input is closed.
func (t *terminalAgent) read() {
	defer close(t.lines)

	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		t.lines <- strings.TrimSpace(scanner.Text())
	}
}
