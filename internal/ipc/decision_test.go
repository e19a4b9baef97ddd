package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rbright/portguard/internal/secret"
)

func TestDecideAutoComplianceIgnoresContent(t *testing.T) {
	policies := []Policy{
		{AutoComply: true},
		{AutoComply: true, Secret: secret.New("abc123")},
	}
	for _, policy := range policies {
		for _, content := range []string{"", "garbage", secret.Hash("abc123"), secret.Hash("wrong")} {
			decision := Decide(policy, content)
			require.Equal(t, DecisionAutoComplianceEnabled, decision)
			require.True(t, decision.ShouldComply())
		}
	}
}

func TestDecideWithoutSecretDenies(t *testing.T) {
	for _, policy := range []Policy{{}, {Secret: secret.New("")}} {
		decision := Decide(policy, secret.Hash("anything"))
		require.Equal(t, DecisionPasswordNotFound, decision)
		require.False(t, decision.ShouldComply())
	}
}

func TestDecideComparesPasswordDigest(t *testing.T) {
	policy := Policy{Secret: secret.New("abc123")}
	defer policy.Secret.Destroy()

	correct := Decide(policy, secret.Hash("abc123"))
	require.Equal(t, DecisionPasswordCorrect, correct)
	require.True(t, correct.ShouldComply())

	incorrect := Decide(policy, secret.Hash("wrong"))
	require.Equal(t, DecisionPasswordIncorrect, incorrect)
	require.False(t, incorrect.ShouldComply())

	require.Equal(t, DecisionPasswordIncorrect, Decide(policy, "abc123"))
}

func TestDecisionLookupsAreInverse(t *testing.T) {
	all := []Decision{
		DecisionPasswordNotFound,
		DecisionPasswordIncorrect,
		DecisionPasswordCorrect,
		DecisionAutoComplianceEnabled,
	}
	seenMessages := map[string]bool{}

	for _, d := range all {
		byCode, ok := DecisionFromCode(d.Code())
		require.True(t, ok, d.String())
		require.Equal(t, d, byCode)

		byMessage, ok := DecisionFromMessage(d.Message())
		require.True(t, ok, d.String())
		require.Equal(t, d, byMessage)

		require.False(t, seenMessages[d.Message()], "duplicate message for %s", d)
		seenMessages[d.Message()] = true
	}

	_, ok := DecisionFromCode("nope")
	require.False(t, ok)
	_, ok = DecisionFromMessage("Shutdown request accepted")
	require.False(t, ok)
	require.Equal(t, "UNKNOWN", Decision(99).String())
}

func TestResponseDecisionPrefersCodeOverMessage(t *testing.T) {
	resp := Envelope{
		Message:   TagShutdownResponse,
		Content:   DecisionPasswordIncorrect.Message(),
		SessionID: "s",
		Decision:  DecisionPasswordCorrect.Code(),
	}
	decision, err := ResponseDecision(resp)
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordCorrect, decision)

	resp.Decision = ""
	decision, err = ResponseDecision(resp)
	require.NoError(t, err)
	require.Equal(t, DecisionPasswordIncorrect, decision)

	resp.Content = "who knows"
	_, err = ResponseDecision(resp)
	require.ErrorIs(t, err, ErrProtocol)

	resp.Decision = "bogus"
	_, err = ResponseDecision(resp)
	require.ErrorIs(t, err, ErrProtocol)
	require.Contains(t, err.Error(), "unknown decision code")
}
