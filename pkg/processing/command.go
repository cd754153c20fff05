package processing

import "strings"

// Command is one parsed FTP command line.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a raw control line into verb and arguments. The
// verb is case-insensitive; arguments keep their case.
func ParseCommand(line string) *Command {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return &Command{}
	}
	return &Command{
		Name: strings.ToUpper(fields[0]),
		Args: fields[1:],
	}
}

// Arg returns the i-th argument, or "" when absent.
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}
