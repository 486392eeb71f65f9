// Package measure prints how long a step took on a single status line.
package measure

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Interactively prints [status] to w and returns a function which overwrites
// that line with the elapsed time once the step is done.
func Interactively(w io.Writer, status string) (done func(fragment string)) {
	status = "[" + status + "]"
	fmt.Fprint(w, status)
	start := time.Now()
	return func(fragment string) {
		elapsed := time.Since(start)
		line := fmt.Sprintf("[done] in %.2fs%s", elapsed.Seconds(), fragment)
		pad := len(status) - len(line)
		if pad < 0 {
			pad = 0
		}
		fmt.Fprintf(w, "\r%s%s\n", line, strings.Repeat(" ", pad))
	}
}
