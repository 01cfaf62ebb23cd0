package state

// inboundRule is one cell of the inbound transition table.
type inboundRule struct {
	next   ListenerState
	action Action
	// violation marks sequences that reset the stream.
	violation bool
}

type inboundKey struct {
	state      ListenerState
	kind       EventKind
	endStream  bool
	hasMessage bool
	initial    bool
}

var inboundTable = map[inboundKey]inboundRule{}

func addInbound(s ListenerState, kind EventKind, end, hasMsg, initial bool, r inboundRule) {
	inboundTable[inboundKey{s, kind, end, hasMsg, initial}] = r
}

func init() {
	for _, initial := range []bool{false, true} {
		// A header block arriving after the message exists is a trailer block.
		addInbound(ReceivingHeaders, EventHeaders, true, true, initial, inboundRule{EntityBodyReceived, ActionTrailers, false})
		addInbound(ReceivingEntityBody, EventHeaders, true, true, initial, inboundRule{EntityBodyReceived, ActionTrailers, false})
		addInbound(ReceivingEntityBody, EventHeaders, false, true, initial, inboundRule{Reset, ActionCancel, true})

		for _, end := range []bool{false, true} {
			for _, hasMsg := range []bool{false, true} {
				addInbound(ReceivingHeaders, EventData, end, hasMsg, initial, inboundRule{Reset, ActionCancel, true})
				addInbound(EntityBodyReceived, EventHeaders, end, hasMsg, initial, inboundRule{EntityBodyReceived, ActionIgnore, false})
				addInbound(EntityBodyReceived, EventData, end, hasMsg, initial, inboundRule{EntityBodyReceived, ActionIgnore, false})
				addInbound(Reset, EventHeaders, end, hasMsg, initial, inboundRule{Reset, ActionIgnore, false})
				addInbound(Reset, EventData, end, hasMsg, initial, inboundRule{Reset, ActionIgnore, false})
			}
		}
	}

	addInbound(ReceivingHeaders, EventHeaders, false, false, true, inboundRule{ReceivingEntityBody, ActionNewMessage, false})
	addInbound(ReceivingHeaders, EventHeaders, true, false, true, inboundRule{EntityBodyReceived, ActionNewMessageNoBody, false})
	addInbound(ReceivingHeaders, EventHeaders, false, false, false, inboundRule{Reset, ActionCancel, true})
	addInbound(ReceivingHeaders, EventHeaders, true, false, false, inboundRule{Reset, ActionCancel, true})
	addInbound(ReceivingHeaders, EventHeaders, false, true, true, inboundRule{Reset, ActionCancel, true})
	addInbound(ReceivingHeaders, EventHeaders, false, true, false, inboundRule{Reset, ActionCancel, true})

	addInbound(ReceivingEntityBody, EventData, false, true, false, inboundRule{ReceivingEntityBody, ActionAppendChunk, false})
	addInbound(ReceivingEntityBody, EventData, true, true, false, inboundRule{EntityBodyReceived, ActionAppendLastChunk, false})
	addInbound(ReceivingEntityBody, EventData, false, true, true, inboundRule{ReceivingEntityBody, ActionAppendChunk, false})
	addInbound(ReceivingEntityBody, EventData, true, true, true, inboundRule{EntityBodyReceived, ActionAppendLastChunk, false})
}

func lookupInbound(s ListenerState, ev Event, hasMessage bool) (inboundRule, bool) {
	r, ok := inboundTable[inboundKey{s, ev.Kind, ev.EndStream, hasMessage, ev.Initial}]
	return r, ok
}

// outboundRule is one cell of the sender transition table.
type outboundRule struct {
	next SenderState
	ok   bool
}

type outboundKey struct {
	state     SenderState
	op        Op
	endStream bool
}

var outboundTable = map[outboundKey]outboundRule{
	{SenderIdle, OpWriteHeaders, false}: {SendingEntityBody, true},
	{SenderIdle, OpWriteHeaders, true}:  {SendCompleted, true},
	{SenderIdle, OpWritePromise, false}: {SenderIdle, true},

	{SendingEntityBody, OpWriteBody, false}:     {SendingEntityBody, true},
	{SendingEntityBody, OpWriteBody, true}:      {SendCompleted, true},
	{SendingEntityBody, OpWriteTrailers, true}:  {SendCompleted, true},
	{SendingEntityBody, OpWritePromise, false}:  {SendingEntityBody, true},
	{SendingEntityBody, OpWriteTrailers, false}: {SendingEntityBody, false},
}

func lookupOutbound(s SenderState, op Op, end bool) outboundRule {
	return outboundTable[outboundKey{s, op, end}]
}
