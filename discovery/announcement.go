package discovery

import (
	"errors"
	"strconv"
	"strings"
)

type ClientType int

const (
	Desktop ClientType = iota
	Mobile
	Embedded
)

// announcement tags
const (
	DesktopTag  = "HiveCom-Desktop"
	MobileTag   = "HiveCom-Mobile"
	EmbeddedTag = "HiveCom-IoT"
)

const announcementSeparator = "; "

var (
	ErrUnknownClientType     = errors.New("unknown client type")
	ErrMalformedAnnouncement = errors.New("malformed announcement")
)

func ParseClientType(tag string) (ClientType, error) {
	switch tag {
	case DesktopTag:
		return Desktop, nil
	case MobileTag:
		return Mobile, nil
	case EmbeddedTag:
		return Embedded, nil
	}
	return 0, ErrUnknownClientType
}

func (c ClientType) Tag() string {
	switch c {
	case Desktop:
		return DesktopTag
	case Mobile:
		return MobileTag
	case Embedded:
		return EmbeddedTag
	}
	return ""
}

func (c ClientType) String() string {
	switch c {
	case Desktop:
		return "Desktop"
	case Mobile:
		return "Mobile"
	case Embedded:
		return "Embedded"
	}
	return "ClientType(" + strconv.Itoa(int(c)) + ")"
}

type Announcement struct {
	Client     ClientType
	Identifier string
}

func FormatAnnouncement(client ClientType, identifier string) string {
	return client.Tag() + announcementSeparator + identifier
}

func (a Announcement) String() string {
	return FormatAnnouncement(a.Client, a.Identifier)
}

// ParseAnnouncement reads a "<ClientTypeTag>; <identifier>" broadcast.
func ParseAnnouncement(raw string) (Announcement, error) {
	splits := strings.Split(raw, announcementSeparator)
	if len(splits) != 2 || splits[1] == "" {
		return Announcement{}, ErrMalformedAnnouncement
	}
	client, err := ParseClientType(splits[0])
	if err != nil {
		return Announcement{Identifier: splits[1]}, err
	}
	return Announcement{Client: client, Identifier: splits[1]}, nil
}
