package narrator

import (
	"strings"
	"time"

	"github.com/mixelka/emailnarrator/pkg/models"
)

// RenderPrompt fills the template placeholders from rec. Unknown
// placeholders are left as they are.
func RenderPrompt(template string, rec models.MessageRecord) string {
	date := ""
	if !rec.Date.IsZero() {
		date = rec.Date.Format(time.RFC1123Z)
	}

	r := strings.NewReplacer(
		"{{user}}", rec.Mailbox,
		"{{sender}}", rec.Sender,
		"{{recipient}}", rec.Recipient,
		"{{subject}}", rec.Subject,
		"{{content}}", rec.Body,
		"{{body}}", rec.Body,
		"{{date}}", date,
	)
	return r.Replace(template)
}
