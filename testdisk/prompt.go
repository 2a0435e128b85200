package testdisk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pithecene-io/usedrescue/types"
)

const instructions = `In TestDisk perform the following:
1. Press [Enter] on the Drive.
2. Press [Enter] on the selected partition table type.
3. Press [Enter] on [Analyse].
4. Press [Enter] on [Quick Search].
5. Navigate Up/Down the partitions. Press [P] for each one you need to recover.
   If files are listed, navigate as much of the filesystem as possible using the
   Up/Down/Left/Right keys. This gives us a map of the filesystem sectors.
   Press [Q] when complete and continue with other filesystems.
6. Using Left/Right mark each partition so it goes Green.
   TestDisk will probably only let you mark some of them Green. Pick the most
   important ones and those that show files when you press [P].
   Press [Enter] when Structure: says 'Ok'.
7. DO NOT CHOOSE THE [WRITE] OPTION. This could cause damage to your drive.
   If your filesystems were not listed, continue with a [Deeper Search]
   and repeat the process above. If your disk has been reformatted or
   partitioned several times, there could be a lot of bogus entries.
8. Again DO NOT CHOOSE THE [WRITE] OPTION. The log output is used later.
9. Choose [Quit] [Quit] [Quit] to exit.

   Press [Enter] when ready.`

const repairInstructions = `In TestDisk perform the following:
1. Press [Enter] on the Drive.
2. Press [Enter] on the selected partition table type.
3. Press [Enter] on [Analyse].
4. Press [Enter] on [Quick Search].
5. Press [L] to load a backup partition table. If in doubt choose the latest
   one (the timestamp is at the end).
6. Navigate Up/Down the partitions. Press [P] for each one you need to recover.
   If files are listed, navigate as much of the filesystem as possible using the
   Up/Down/Left/Right keys. This gives us a map of the filesystem sectors.
   Press [Q] when complete and continue with other filesystems.
   NOTE: You should NOT copy files at this stage, the file data has not been
   copied to the image so copied files will be filled with zeros!
7. Using Left/Right mark each partition so it goes Green.
   TestDisk may only let you mark some of them Green. Pick the most
   important ones and those that show files when you press [P].
   Press [Enter] when Structure: says 'Ok'.
8. Now choose [Write]. Since this operates on the image there is no danger of
   damaging your drive, though your partitions may become inaccessible if you
   get it wrong! Press [Y] to confirm or [N] to abort.
9. Choose [Quit] [Quit] [Quit] to exit.

   Press [Enter] when ready.`

const question = `
Please enter Y/N whether you would like to manually try to recover more of the
partition table using TestDisk?
NOTE: You can load previous partition table backups in TestDisk using [L].
Press [Enter] after your selection.
`

// Prompt is the input marker shown before reading an answer.
const Prompt = "--> "

// Prompter asks the operator questions on a terminal. A closed input
// declines every question. Answers are read by one background reader so
// a cancelled context abandons a question without losing later input.
type Prompter struct {
	in    *bufio.Reader
	out   io.Writer
	once  sync.Once
	lines chan string
	err   error
}

// NewPrompter creates a prompter reading answers from in.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Instruct explains a read-only manual recovery session and waits for
// the operator.
func (p *Prompter) Instruct(ctx context.Context) error {
	return p.pause(ctx, instructions)
}

// RepairInstruct explains how to write a repaired table to the image and
// waits for the operator.
func (p *Prompter) RepairInstruct(ctx context.Context) error {
	return p.pause(ctx, repairInstructions)
}

// AskManual lists reasons and asks whether to recover the table by hand.
// Only a single y or n is accepted.
func (p *Prompter) AskManual(ctx context.Context, reasons []string) (bool, error) {
	var b strings.Builder
	b.WriteString("You have been given this message because:\n")
	for _, r := range reasons {
		fmt.Fprintf(&b, " - %s\n", r)
	}
	b.WriteString(question)
	if _, err := fmt.Fprintln(p.out, b.String()); err != nil {
		return false, err
	}
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "y":
			return true, nil
		case "n":
			return false, nil
		}
	}
}

func (p *Prompter) pause(ctx context.Context, text string) error {
	if _, err := fmt.Fprintln(p.out, text); err != nil {
		return err
	}
	_, err := p.readLine(ctx)
	return err
}

// readLine shows the prompt and waits for one answer.
func (p *Prompter) readLine(ctx context.Context) (string, error) {
	p.once.Do(func() {
		p.lines = make(chan string)
		go p.read()
	})
	if _, err := io.WriteString(p.out, Prompt); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", types.NewRecoveryError(types.ErrInterrupted, "prompt", ctx.Err())
	case line, ok := <-p.lines:
		if !ok {
			return "", p.err
		}
		return line, nil
	}
}

// read feeds lines to readLine. End of input reads as "n" from then on.
func (p *Prompter) read() {
	for {
		line, err := p.in.ReadString('\n')
		switch {
		case errors.Is(err, io.EOF) && line == "":
			line = "n"
		case err != nil && !errors.Is(err, io.EOF):
			p.err = err
			close(p.lines)
			return
		}
		p.lines <- strings.TrimRight(line, "\r\n")
	}
}
