package registry

import (
	"crypto/sha256"
	"encoding/hex"

	"aim-chat/invite-registry/pkg/models"
)

// DeriveChannelID maps an invite key to its channel: hex(sha256(key bytes)).
func DeriveChannelID(key models.InvitePublicKey) models.ChannelID {
	sum := sha256.Sum256(key)
	return models.ChannelID(hex.EncodeToString(sum[:]))
}
