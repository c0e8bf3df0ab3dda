package deyvam

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMobileRoleID = "100000000000000501"
	testPCRoleID     = "100000000000000502"
)

func TestCommandSetRolePanel(t *testing.T) {
	b, _ := newTestBot(t)
	h := interact(context.Background(), b, newCommandInteraction(staffMember(), commandSetRolePanel))

	require.Len(t, h.responses, 1)
	data := h.responses[0].Data
	require.NotNil(t, data)
	assert.Zero(t, data.Flags, "the panel is posted publicly")
	require.Len(t, data.Embeds, 1)
	assert.Equal(t, "🎮 Self-Assignable Roles", data.Embeds[0].Title)

	require.Len(t, data.Components, 1)
	row, ok := data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	var ids []string
	for _, c := range row.Components {
		button, isButton := c.(discordgo.Button)
		require.True(t, isButton)
		ids = append(ids, button.CustomID)
	}
	assert.Equal(t, []string{customIDRoleMobileGamer, customIDRolePCPlayer}, ids)
}

func TestToggleRole(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.settings.Set(ctx, SettingMobileGamerRole, testMobileRoleID))

	member := requesterMember()
	h := interact(ctx, b, newComponentInteraction(member, testWelcomeChannelID, customIDRoleMobileGamer))
	assert.Equal(t, "🟢 Added the **Mobile Gamer** role!", h.lastContent(t))
	assert.Equal(t, []string{testRequesterID + ":" + testMobileRoleID}, session.roleAdds)
	require.NotEmpty(t, h.responses)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.responses[0].Data.Flags)

	member.Roles = append(member.Roles, testMobileRoleID)
	h = interact(ctx, b, newComponentInteraction(member, testWelcomeChannelID, customIDRoleMobileGamer))
	assert.Equal(t, "🔴 Removed the **Mobile Gamer** role.", h.lastContent(t))
	assert.Equal(t, []string{testRequesterID + ":" + testMobileRoleID}, session.roleRemoves)
}

func TestToggleRole_NotConfigured(t *testing.T) {
	b, session := newTestBot(t)
	h := interact(
		context.Background(),
		b,
		newComponentInteraction(requesterMember(), testWelcomeChannelID, customIDRolePCPlayer),
	)
	assert.Equal(t, msgRoleNotConfigured, h.lastContent(t))
	assert.Empty(t, session.roleAdds)
}

func TestToggleRole_Failures(t *testing.T) {
	b, session := newTestBot(t)
	ctx := context.Background()
	require.NoError(t, b.settings.Set(ctx, SettingPCPlayerRole, testPCRoleID))

	session.failWith("GuildMemberRoleAdd", notFoundError())
	h := interact(ctx, b, newComponentInteraction(requesterMember(), testWelcomeChannelID, customIDRolePCPlayer))
	assert.Equal(t, msgRoleFailed, h.lastContent(t))

	member := requesterMember()
	member.Roles = []string{testPCRoleID}
	session.failWith("GuildMemberRoleRemove", notFoundError())
	h = interact(ctx, b, newComponentInteraction(member, testWelcomeChannelID, customIDRolePCPlayer))
	assert.Equal(t, msgRoleFailed, h.lastContent(t))

	assert.Empty(t, session.roleAdds)
	assert.Empty(t, session.roleRemoves)
}

func TestToggleRole_UnknownButton(t *testing.T) {
	b, _ := newTestBot(t)
	h := newMockInteractionHandler(newComponentInteraction(requesterMember(), testWelcomeChannelID, "role_console"))
	b.toggleRole(context.Background(), h, "role_console")
	assert.Equal(t, msgUnknownRoleButton, h.lastContent(t))
}

func TestToggleRole_EditFailsFallsBackToFollowUp(t *testing.T) {
	b, _ := newTestBot(t)
	h := newMockInteractionHandler(
		newComponentInteraction(requesterMember(), testWelcomeChannelID, customIDRolePCPlayer),
	)
	h.editErr = errors.New("interaction expired")
	b.toggleRole(context.Background(), h, customIDRolePCPlayer)

	assert.Empty(t, h.edits)
	require.Len(t, h.followups, 1)
	assert.Equal(t, msgRoleNotConfigured, h.followups[0].Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, h.followups[0].Flags)
}
