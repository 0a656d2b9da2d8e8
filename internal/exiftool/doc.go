// Package exiftool drives a single resident exiftool process in -stay_open mode.
//
// Commands are appended, one argument per line, to a command file the helper
// polls; each command's output on stdout ends with a line containing {ready}.
// A Session pairs every appended command with the next such response and never
// lets two commands be in flight at once.
package exiftool
