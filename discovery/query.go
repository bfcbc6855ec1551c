package discovery

import "github.com/standardsats/immortan/lnwire"

// reply2Query derives the gossip-phase query batches from the holistic
// short-id reply set with the most SCIDs (spec.md section 4.2,
// "Query derivation"). provenShortIds must already be populated; excluded
// carries SCIDs the caller already knows should never be asked about
// again in this sync round.
func reply2Query(
	replies []shortIDReply,
	provenShortIds map[lnwire.ShortChannelID]struct{},
	excluded map[lnwire.ShortChannelID]struct{},
	requestNodeAnnounce map[lnwire.ShortChannelID]struct{},
	router Router,
	messagesToAsk int,
) []lnwire.QueryShortChannelIDs {

	template := pickTemplate(replies)
	if template == nil {
		return nil
	}

	var stream []lnwire.ShortChanIDAndFlag
	for i, scid := range template.scids {
		if _, ok := provenShortIds[scid]; !ok {
			continue
		}
		if _, ok := excluded[scid]; ok {
			continue
		}

		var flag lnwire.QueryShortChannelIDsFlag

		if router == nil || !router.HasChannel(scid) {
			flag = lnwire.FlagChannelAnnouncement | lnwire.FlagChannelUpdate1 |
				lnwire.FlagChannelUpdate2
		} else {
			digest, _ := router.GetChannelDigestInfo(scid)

			theirTS := [2]uint32{}
			theirCS := [2]uint32{}
			if i < len(template.ts) {
				theirTS = template.ts[i]
			}
			if i < len(template.checksums) {
				theirCS = template.checksums[i]
			}

			if shouldRequestUpdate(digest, 0, theirTS[0], theirCS[0]) {
				flag |= lnwire.FlagChannelUpdate1
			}
			if shouldRequestUpdate(digest, 1, theirTS[1], theirCS[1]) {
				flag |= lnwire.FlagChannelUpdate2
			}
		}

		if _, ok := requestNodeAnnounce[scid]; ok {
			flag |= lnwire.FlagNodeAnnouncement1 | lnwire.FlagNodeAnnouncement2
		}

		if flag == 0 {
			continue
		}

		stream = append(stream, lnwire.ShortChanIDAndFlag{
			ShortChanID: scid,
			Flag:        flag,
		})
	}

	return partitionQueries(stream, messagesToAsk)
}

// pickTemplate returns the holistic reply set with the most SCIDs.
func pickTemplate(replies []shortIDReply) *shortIDReply {
	var best *shortIDReply
	for i := range replies {
		r := &replies[i]
		if best == nil || len(r.scids) > len(best.scids) {
			best = r
		}
	}
	return best
}

// shouldRequestUpdate implements BOLT 7's should_request_update rule: a
// peer's copy of a per-direction policy is worth asking for if it is
// either strictly newer, or equally timestamped but checksums differ, or
// we don't have this direction's update at all.
func shouldRequestUpdate(digest ChannelDigest, dir int, theirTS, theirCS uint32) bool {
	if !digest.HasUpdate[dir] {
		return true
	}
	if theirTS > digest.Timestamp[dir] {
		return true
	}
	if theirTS == digest.Timestamp[dir] && theirCS != digest.Checksum[dir] {
		return true
	}
	return false
}

// partitionQueries chunks a flat SCID/flag stream into batches of at most
// chunkSize entries each, one QueryShortChannelIDs per batch.
func partitionQueries(stream []lnwire.ShortChanIDAndFlag, chunkSize int) []lnwire.QueryShortChannelIDs {
	if chunkSize <= 0 {
		chunkSize = len(stream)
		if chunkSize == 0 {
			return nil
		}
	}

	var out []lnwire.QueryShortChannelIDs
	for len(stream) > 0 {
		n := chunkSize
		if n > len(stream) {
			n = len(stream)
		}
		out = append(out, lnwire.QueryShortChannelIDs{SCIDs: stream[:n]})
		stream = stream[n:]
	}
	return out
}
