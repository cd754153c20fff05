package processing

import (
	"sort"
	"strings"
)

// commandHelp is the per-verb text served by HELP.
var commandHelp = map[string]string{
	"USER": "USER <username> - Identify the user.",
	"PASS": "PASS <password> - Authenticate the user named by USER.",
	"QUIT": "QUIT - End the session.",
	"REIN": "REIN - Reset the session to its initial state.",
	"NOOP": "NOOP - Do nothing.",
	"SYST": "SYST - Report the server system type.",
	"TYPE": "TYPE <A|I|E|L> - Set the transfer representation type.",
	"STAT": "STAT [path] - Report session or path status.",
	"HELP": "HELP [command] - List commands or describe one.",
	"PWD":  "PWD - Print the current directory.",
	"CWD":  "CWD <path> - Change the current directory.",
	"CDUP": "CDUP - Change to the parent directory.",
	"MKD":  "MKD <path> - Create a directory.",
	"RMD":  "RMD <path> - Delete a directory.",
	"DELE": "DELE <path> - Delete a file.",
	"RNFR": "RNFR <path> - Select the file or directory to rename.",
	"RNTO": "RNTO <path> - Rename the selected file or directory.",
	"PASV": "PASV - Open a passive data connection.",
	"LIST": "LIST [path] - List a directory in long format.",
	"NLST": "NLST [path] - List a directory, names only.",
	"RETR": "RETR <path> - Download a file.",
	"STOR": "STOR <path> - Upload a file.",
}

// supportedVerbs returns every verb sorted, for the HELP summary.
func supportedVerbs() string {
	verbs := make([]string, 0, len(commandHelp))
	for verb := range commandHelp {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	return strings.Join(verbs, " ")
}
