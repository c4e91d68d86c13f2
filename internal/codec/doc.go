// Package codec converts typed events to and from their flat token arrays.
//
// Every token array starts with [time, kind]. The remaining positions depend
// on the kind:
//
//	discover, mutation   node*  where node = id, parent, next, tag, (text | "name=value"*)
//	                     text nodes use tag "*T" and carry exactly one text token;
//	                     parent -1 marks a removed node
//	boxmodel             (id, x, y, width, height)*
//	checksum             value
//	document, resize     width, height
//	scroll               target, x, y
//	pointer kinds        target, x, y
//	selection            start, startOffset, end, endOffset
//	change               target, value
//	page                 timestamp, url, title, referrer
//	ping                 gap
//	tag                  key, value*
//	scripterror          message, line, column, stack, source
//	imageerror           source, target
//	summary              (kind, count, first, last)*
//	instrumentation      type, arg*
//	custom               (key, value)*
//
// A kind this build does not know decodes to Unknown, which keeps the raw
// tokens after [time, kind] so the event survives a round trip.
package codec
