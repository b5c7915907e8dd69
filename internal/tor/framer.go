package tor

import (
	"bufio"
	"strconv"
	"strings"
)

// StatusOK is the control-port success code.
const StatusOK = 250

// ReplyLine is one status line of a reply. Data holds the body of a "NNN+"
// data block, with dot-stuffing removed.
type ReplyLine struct {
	Status int
	Sep    byte
	Text   string
	Data   []string
}

// Reply is one complete control-port reply.
type Reply struct {
	// Status is the code of the final "NNN " line.
	Status int
	Lines  []ReplyLine
}

// OK reports whether the reply carries status 250.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Async reports whether the reply is an asynchronous event (6xx).
func (r Reply) Async() bool {
	return r.Status >= 600 && r.Status < 700
}

// Text joins the text of all lines, for error messages.
func (r Reply) Text() string {
	parts := make([]string, 0, len(r.Lines))
	for _, l := range r.Lines {
		parts = append(parts, l.Text)
	}
	return strings.Join(parts, "; ")
}

// replyFramer assembles lines into replies.
//
// Grammar: "NNN-text" continues a reply, "NNN+text" opens a data block that
// ends at a line equal to ".", and "NNN text" completes the reply.
type replyFramer struct {
	lines  []ReplyLine
	inData bool
}

// feed consumes one line (with or without the trailing CRLF). It returns the
// reply and true when the line completed one.
func (f *replyFramer) feed(raw string) (Reply, bool, error) {
	line := strings.TrimRight(raw, "\r\n")

	if f.inData {
		if line == "." {
			f.inData = false
			return Reply{}, false, nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		last := &f.lines[len(f.lines)-1]
		last.Data = append(last.Data, line)
		return Reply{}, false, nil
	}

	if len(line) < 4 {
		f.reset()
		return Reply{}, false, newError(KindProtocol, "read reply", "short line: "+strconv.Quote(line), nil)
	}
	status, err := strconv.Atoi(line[:3])
	if err != nil || status < 100 {
		f.reset()
		return Reply{}, false, newError(KindProtocol, "read reply", "bad status code: "+strconv.Quote(line), nil)
	}

	rl := ReplyLine{Status: status, Sep: line[3], Text: line[4:]}
	switch rl.Sep {
	case '-':
		f.lines = append(f.lines, rl)
		return Reply{}, false, nil
	case '+':
		f.lines = append(f.lines, rl)
		f.inData = true
		return Reply{}, false, nil
	case ' ':
		f.lines = append(f.lines, rl)
		reply := Reply{Status: status, Lines: f.lines}
		f.lines = nil
		return reply, true, nil
	default:
		f.reset()
		return Reply{}, false, newError(KindProtocol, "read reply", "bad separator: "+strconv.Quote(line), nil)
	}
}

func (f *replyFramer) reset() {
	f.lines = nil
	f.inData = false
}

// ReadReply reads lines from r until one reply is complete.
func ReadReply(r *bufio.Reader) (Reply, error) {
	var f replyFramer
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		reply, done, err := f.feed(line)
		if err != nil {
			return Reply{}, err
		}
		if done {
			return reply, nil
		}
	}
}
