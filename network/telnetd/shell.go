package telnetd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jpillora/sizestr"

	"netconsole/core"
)

// ErrOutputFull is returned by Session.Write when the output queue cannot
// take the whole write.
var ErrOutputFull = errors.New("output queue full")

const defaultTestLines = 10

func (s *Service) registerCommands() {
	s.commands.Register("help", "show help", s.cmdHelp, "?")
	s.commands.Register("netstat", "show open connections", s.cmdNetstat)
	s.commands.Register("exit", "exit shell", cmdExit, "quit")
	s.commands.Register("test", "print n test lines", cmdTest)
}

func (s *Service) cmdHelp(con core.Console, args []string) error {
	_, err := fmt.Fprint(con, s.commands.HelpText())
	return err
}

func (s *Service) cmdNetstat(con core.Console, args []string) error {
	if s.conns == nil {
		_, err := fmt.Fprint(con, "no connection table\r\n")
		return err
	}
	var sb strings.Builder
	infos := s.conns.Connections()
	fmt.Fprintf(&sb, "Current connections: %d\r\n", len(infos))
	for _, c := range infos {
		fmt.Fprintf(&sb, "%3d %-7s %-21s %-9s idle %2d queued %2d in %s out %s\r\n",
			c.ID, c.Service, c.Remote, c.State, c.Idle, c.Queued,
			sizestr.ToString(int64(c.BytesIn)), sizestr.ToString(int64(c.BytesOut)))
	}
	_, err := fmt.Fprint(con, sb.String())
	return err
}

func cmdExit(con core.Console, args []string) error {
	con.Close()
	return nil
}

// cmdTest prints numbered lines through the session's producer so output
// larger than the queue is paced by acknowledgements.
func cmdTest(con core.Console, args []string) error {
	n := defaultTestLines
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return fmt.Errorf("bad line count %q", args[1])
		}
		n = v
	}

	sess, ok := con.(*Session)
	if !ok {
		for i := 1; i <= n; i++ {
			fmt.Fprintf(con, "test line %d\r\n", i)
		}
		return nil
	}

	i := 0
	sess.producer = func() (string, bool) {
		if i >= n {
			return "", false
		}
		i++
		return fmt.Sprintf("test line %d\r\n", i), true
	}
	return nil
}
