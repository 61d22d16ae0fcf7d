package contentenc

// IntraBlock identifies a part of a file block
type IntraBlock struct {
	// BlockNo is the block number in the file
	BlockNo uint64
	// Skip is an offset into the block plaintext
	Skip uint64
	// Length of payload data in this block
	Length uint64
	fs     *ContentEnc
}

// IsPartial - is the block partial? This means we have to do read-modify-write.
func (ib *IntraBlock) IsPartial() bool {
	if ib.Skip > 0 || ib.Length < ib.fs.plainBS {
		return true
	}
	return false
}

// BlockCipherOff returns the ciphertext offset corresponding to BlockNo
func (ib *IntraBlock) BlockCipherOff() (offset uint64) {
	return ib.fs.BlockNoToCipherOff(ib.BlockNo)
}

// BlockPlainOff returns the plaintext offset corresponding to BlockNo
func (ib *IntraBlock) BlockPlainOff() (offset uint64) {
	return ib.fs.BlockNoToPlainOff(ib.BlockNo)
}

// CropBlock - crop a potentially larger plaintext block down to the relevant part
func (ib *IntraBlock) CropBlock(d []byte) []byte {
	lenHave := len(d)
	lenWant := int(ib.Skip + ib.Length)
	if lenHave < lenWant {
		if lenHave < int(ib.Skip) {
			return nil
		}
		return d[ib.Skip:lenHave]
	}
	return d[ib.Skip:lenWant]
}
