package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/service"
)

// TerminalApprovalFunc prompts on stdin/stdout for a y/n confirmation
// before a tool call executes. Blocks until the user answers or ctx is
// cancelled; a cancelled context or EOF (piped/non-interactive stdin)
// denies the call rather than hanging or silently approving.
func TerminalApprovalFunc() service.ApprovalFunc {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, toolName string, args map[string]interface{}) (bool, error) {
		fmt.Printf("\n%s?%s %s%s%s wants to run %s%s%s — %sallow?%s [y/N] ",
			yellow, reset, dim, "agent", reset, cyanBold, toolName, reset, bold, reset)

		answerCh := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answerCh <- line
		}()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line := <-answerCh:
			line = strings.ToLower(strings.TrimSpace(line))
			return line == "y" || line == "yes", nil
		}
	}
}
