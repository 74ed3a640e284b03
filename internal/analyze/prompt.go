// internal/analyze/prompt.go
package analyze

import (
	"fmt"
	"strings"

	"github.com/aidenlabs/aiden/internal/protocol"
)

const promptTemplate = `You are an expert Huawei network engineer analyzing VRP device logs.

Device: %s
Timestamp: %s
Device Type: Huawei ENSP (AR/S-series Router/Switch)

Recent Command History:
` + "```" + `
%s
` + "```" + `

Error Context:
` + "```" + `
%s
` + "```" + `

Error Detected:
%s

Provide a structured analysis with these exact sections:

**Root Cause:**
[Explain what caused this error]

**Impact:**
[Describe affected services/interfaces]

**Solution:**
[Provide specific VRP commands to fix it]

**Prevention:**
[Best practices to avoid this in the future]
`

// BuildPrompt renders the analysis request for one detected error.
func BuildPrompt(ev protocol.ErrorEvent) string {
	history := "No recent commands available"
	if len(ev.CommandHistory) > 0 {
		history = strings.Join(ev.CommandHistory, "\n")
	}
	return fmt.Sprintf(promptTemplate,
		ev.DeviceID, ev.Timestamp.Format("2006-01-02T15:04:05"), history, ev.Context, ev.ErrorLine)
}
