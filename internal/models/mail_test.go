// internal/models/mail_test.go

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressDomain(t *testing.T) {
	assert.Equal(t, "example.com", Address{Address: "alice@Example.COM"}.Domain())
	assert.Equal(t, "example.org", Address{Address: "weird@user@example.org"}.Domain())
	assert.Equal(t, "", Address{Address: "no-at-sign"}.Domain())
}

func TestRecipientsByDomain(t *testing.T) {
	job := &MailJob{
		ToAddresses:  []Address{{Address: "alice@example.org"}, {Address: "bob@example.net"}},
		CCAddresses:  []Address{{Address: "carol@example.org"}},
		BCCAddresses: []Address{{Address: "dave@example.com"}, {Address: "invalid"}},
	}

	groups := job.RecipientsByDomain()
	require.Len(t, groups, 3)
	assert.Len(t, groups["example.org"], 2)
	assert.Len(t, groups["example.net"], 1)
	assert.Len(t, groups["example.com"], 1)
}

func TestAllRecipientsDeduplicates(t *testing.T) {
	job := &MailJob{
		ToAddresses:  []Address{{Address: "alice@example.org"}, {Address: "carol@example.net"}},
		CCAddresses:  []Address{{Name: "Carol", Address: "Carol@Example.NET"}},
		BCCAddresses: []Address{{Address: "alice@example.org"}},
	}

	// 同一信箱只投遞一次, 不分大小寫
	all := job.AllRecipients()
	require.Len(t, all, 2)
	assert.Equal(t, "alice@example.org", all[0].Address)
	assert.Equal(t, "carol@example.net", all[1].Address)

	groups := job.RecipientsByDomain()
	assert.Len(t, groups["example.net"], 1)
}

func TestRemoveRecipientDomains(t *testing.T) {
	job := &MailJob{
		ToAddresses:  []Address{{Address: "alice@example.org"}, {Address: "bob@example.net"}},
		CCAddresses:  []Address{{Address: "carol@example.org"}},
		BCCAddresses: []Address{{Address: "dave@example.com"}},
	}

	job.RemoveRecipientDomains(map[string]bool{"example.org": true})

	require.Len(t, job.ToAddresses, 1)
	assert.Equal(t, "bob@example.net", job.ToAddresses[0].Address)
	assert.Empty(t, job.CCAddresses)
	require.Len(t, job.BCCAddresses, 1)

	all := job.AllRecipients()
	assert.Len(t, all, 2)
}
