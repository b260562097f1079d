package trace

import (
	"fmt"
	"path"
	"strconv"

	"honnef.co/go/qmltrace/container"
)

// Timestamp is a point in time, in nanoseconds since the start of profiling.
type Timestamp int64

// NoTimestamp marks an absent bound.
const NoTimestamp Timestamp = -1

// Message is the category of an event type.
type Message uint8

const (
	MessageEvent Message = iota
	MessageRangeStart
	MessageRangeData
	MessageRangeLocation
	MessageRangeEnd
	MessageComplete
	MessagePixmapCache
	MessageSceneGraph
	MessageMemory
	MessageDebug
	MessageQuick3D
	// MessageNone is used by range types, which are identified by their RangeType instead.
	MessageNone
)

var messageNames = [...]string{
	MessageEvent:         "Event",
	MessageRangeStart:    "RangeStart",
	MessageRangeData:     "RangeData",
	MessageRangeLocation: "RangeLocation",
	MessageRangeEnd:      "RangeEnd",
	MessageComplete:      "Complete",
	MessagePixmapCache:   "PixmapCache",
	MessageSceneGraph:    "SceneGraph",
	MessageMemory:        "MemoryAllocation",
	MessageDebug:         "DebugMessage",
	MessageQuick3D:       "Quick3DEvent",
	MessageNone:          "",
}

func (m Message) String() string {
	if int(m) < len(messageNames) {
		return messageNames[m]
	}
	return "Message(" + strconv.Itoa(int(m)) + ")"
}

// ParseMessage returns the message with the given name.
func ParseMessage(s string) (Message, bool) {
	for i, name := range messageNames {
		if name != "" && name == s {
			return Message(i), true
		}
	}
	return 0, false
}

// RangeType is the kind of a range (an interval with a start and an end).
type RangeType uint8

const (
	RangePainting RangeType = iota
	RangeCompiling
	RangeCreating
	RangeBinding
	RangeHandlingSignal
	RangeJavascript
	// RangeNone marks types that aren't ranges.
	RangeNone
)

var rangeNames = [...]string{
	RangePainting:       "Painting",
	RangeCompiling:      "Compiling",
	RangeCreating:       "Creating",
	RangeBinding:        "Binding",
	RangeHandlingSignal: "HandlingSignal",
	RangeJavascript:     "Javascript",
	RangeNone:           "",
}

func (r RangeType) String() string {
	if int(r) < len(rangeNames) {
		return rangeNames[r]
	}
	return "RangeType(" + strconv.Itoa(int(r)) + ")"
}

// ParseRangeType returns the range type with the given name.
func ParseRangeType(s string) (RangeType, bool) {
	for i, name := range rangeNames {
		if name != "" && name == s {
			return RangeType(i), true
		}
	}
	return 0, false
}

// Stage is the position of a range event within its range. It is stored in the event's ArgRangeStage slot.
type Stage uint8

const (
	StageNone     Stage = 0
	StageStart    Stage = Stage(MessageRangeStart)
	StageData     Stage = Stage(MessageRangeData)
	StageLocation Stage = Stage(MessageRangeLocation)
	StageEnd      Stage = Stage(MessageRangeEnd)
)

// Detail types of MessageMemory.
const (
	HeapPage = iota
	LargeItem
	SmallItem
)

// Detail types of MessagePixmapCache.
const (
	PixmapSizeKnown = iota
	PixmapReferenceCountChanged
	PixmapCacheCountChanged
	PixmapLoadingStarted
	PixmapLoadingFinished
	PixmapLoadingError
)

// Detail types of MessageEvent.
const (
	EventMouse = iota
	EventKey
	EventAnimationFrame
)

// Detail types of MessageDebug, ordered like the severity levels of the profiled application.
const (
	DebugLevelDebug = iota
	DebugLevelWarning
	DebugLevelCritical
	DebugLevelFatal
	DebugLevelInfo
)

// Feature is a bitmask of profiling features. A type belongs to exactly one feature, or to none.
type Feature uint64

const (
	FeatureJavaScript Feature = 1 << iota
	FeatureMemory
	FeaturePixmapCache
	FeatureSceneGraph
	FeatureAnimations
	FeaturePainting
	FeatureCompiling
	FeatureCreating
	FeatureBinding
	FeatureHandlingSignal
	FeatureInputEvents
	FeatureDebugMessages
	FeatureQuick3D

	FeatureNone Feature = 0
	FeatureAll  Feature = FeatureQuick3D<<1 - 1
)

var featureNames = [...]string{
	"javascript",
	"memory",
	"pixmapcache",
	"scenegraph",
	"animations",
	"painting",
	"compiling",
	"creating",
	"binding",
	"handlingsignal",
	"inputevents",
	"debugmessages",
	"quick3d",
}

func (f Feature) String() string {
	if f == FeatureNone {
		return "none"
	}
	var out string
	for i, name := range featureNames {
		if f&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	if rest := f &^ FeatureAll; rest != 0 {
		if out != "" {
			out += "|"
		}
		out += fmt.Sprintf("%#x", uint64(rest))
	}
	return out
}

// ParseFeature returns the single feature with the given name.
func ParseFeature(s string) (Feature, bool) {
	for i, name := range featureNames {
		if name == s {
			return 1 << i, true
		}
	}
	return FeatureNone, false
}

// Features returns the individual features set in f, in ascending bit order.
func (f Feature) Features() []Feature {
	var out []Feature
	for i := range featureNames {
		if bit := Feature(1) << i; f&bit != 0 {
			out = append(out, bit)
		}
	}
	return out
}

func featureFromRangeType(r RangeType) Feature {
	switch r {
	case RangePainting:
		return FeaturePainting
	case RangeCompiling:
		return FeatureCompiling
	case RangeCreating:
		return FeatureCreating
	case RangeBinding:
		return FeatureBinding
	case RangeHandlingSignal:
		return FeatureHandlingSignal
	case RangeJavascript:
		return FeatureJavaScript
	default:
		return FeatureNone
	}
}

// Location is a position in a source file.
type Location struct {
	File   string
	Line   int32
	Column int32
}

func (loc Location) String() string {
	return fmt.Sprintf("%s:%d:%d", loc.File, loc.Line, loc.Column)
}

// EventType describes a kind of event. Events refer to types by their index in a TypeTable.
type EventType struct {
	Message   Message
	RangeType RangeType
	// Detail is a sub-code whose meaning depends on Message, for example HeapPage for MessageMemory, or the
	// binding kind for RangeBinding.
	Detail      int32
	Location    container.Option[Location]
	Data        string
	DisplayName string
}

// IsRange reports whether events of this type are range events carrying a Stage.
func (t *EventType) IsRange() bool {
	return t.RangeType != RangeNone
}

// IsStateful reports whether events of this type describe state that persists beyond the event itself. Such
// events can't be dropped when restricting a trace to a time range.
func (t *EventType) IsStateful() bool {
	return t.Message == MessagePixmapCache || t.Message == MessageMemory
}

// Feature returns the feature that events of this type belong to.
func (t *EventType) Feature() Feature {
	switch t.Message {
	case MessageEvent:
		switch t.Detail {
		case EventMouse, EventKey:
			return FeatureInputEvents
		case EventAnimationFrame:
			return FeatureAnimations
		default:
			return FeatureNone
		}
	case MessagePixmapCache:
		return FeaturePixmapCache
	case MessageSceneGraph:
		return FeatureSceneGraph
	case MessageMemory:
		return FeatureMemory
	case MessageDebug:
		return FeatureDebugMessages
	case MessageQuick3D:
		return FeatureQuick3D
	}
	return featureFromRangeType(t.RangeType)
}

// Name returns the name of the type's category: the range type for ranges, the message otherwise.
func (t *EventType) Name() string {
	if t.IsRange() {
		return t.RangeType.String()
	}
	return t.Message.String()
}

// DefaultDisplayName computes the name shown for a type that hasn't been given one explicitly.
func (t *EventType) DefaultDisplayName() string {
	if loc := t.Location.GetOr(Location{}); loc.File != "" {
		return fmt.Sprintf("%s:%d", path.Base(loc.File), loc.Line)
	}
	if t.Data != "" {
		return t.Data
	}
	return "<" + t.Name() + ">"
}

// typeKey is the identity of a type for deduplication. It deliberately excludes the display name, which may
// be rewritten after the fact.
type typeKey struct {
	message   Message
	rangeType RangeType
	detail    int32
	location  container.Option[Location]
	data      string
}

func keyOf(t *EventType) typeKey {
	return typeKey{t.Message, t.RangeType, t.Detail, t.Location, t.Data}
}
