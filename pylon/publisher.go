package pylon

// Identity names the bridge instance in topics and discovery documents.
type Identity interface {
	RootTopicPrefix() string
	UniqueID() string
	ThingName() string
}

// Publisher is the outbound side of the bridge. Publish sends payload to
// <root>/stat/<subtopic>; PublishDiscovery sends a Home Assistant device
// discovery document for one pack. Both report success.
type Publisher interface {
	Identity
	Publish(subtopic string, payload []byte, retained bool) bool
	PublishDiscovery(packName string, doc []byte) bool
	// Online is signalled once the BMS answered the pack count query.
	Online()
}
