package cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"vtcp/pkg/tcpstack"
)

const usage = `commands:
  ls            list engine sockets
  p <port>      report whether a port is bound
  cl <id>       close a socket
  q             stop the console`

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// MonitorCL runs the operator console of the engine until in is exhausted
// or the q command is read.
func MonitorCL(tcpStack *tcpstack.TCPStack, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		input, err := reader.ReadString('\n')
		if err != nil && input == "" {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "q" {
			return
		} else if input == "ls" {
			fmt.Fprintln(out, Sockets(tcpStack.Snapshot()))
		} else if strings.HasPrefix(input, "p ") {
			parts := strings.Fields(input)
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: p <port>")
				continue
			}
			port, err := strconv.Atoi(parts[1])
			if err != nil || port < 1 || port > 65535 {
				fmt.Fprintln(out, "Invalid port number")
				continue
			}
			if tcpStack.PortOpen(uint16(port)) {
				fmt.Fprintf(out, "port %d bound\n", port)
			} else {
				fmt.Fprintf(out, "port %d free\n", port)
			}
		} else if strings.HasPrefix(input, "cl ") {
			parts := strings.Fields(input)
			if len(parts) != 2 {
				fmt.Fprintln(out, "Usage: cl <socket ID>")
				continue
			}
			id, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				fmt.Fprintln(out, "Invalid socket number")
				continue
			}
			if err := tcpStack.CloseSocket(id); err != nil {
				fmt.Fprintln(out, err)
			}
		} else {
			fmt.Fprintln(out, usage)
		}
	}
}

// Sockets renders a socket listing as a table.
func Sockets(infos []tcpstack.SocketInfo) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{
			strconv.FormatUint(info.ID, 10),
			info.Local.String(),
			info.Remote.String(),
			info.State.String(),
		})
	}
	return table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("SID", "LOCAL", "REMOTE", "STATE").
		Rows(rows...).
		String()
}
