package chain

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// TokenMetadataProgramID is the Metaplex token-metadata program.
var TokenMetadataProgramID = solana.MustPublicKeyFromBase58("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")

// No maintained Go client exists for the metadata program, so the
// create-metadata instruction is assembled by hand: borsh-encoded args behind
// the CreateMetadataAccountV3 discriminator.
const createMetadataAccountV3Discriminator = byte(33)

// MetadataCreator is one royalty recipient recorded on the edition.
type MetadataCreator struct {
	Address  solana.PublicKey
	Verified bool
	Share    uint8
}

// MetadataArgs describes the on-chain metadata for a minted edition.
type MetadataArgs struct {
	Name                 string
	Symbol               string
	URI                  string
	SellerFeeBasisPoints uint16
	Creators             []MetadataCreator
}

// FindMetadataAddress derives the metadata PDA for a mint.
func FindMetadataAddress(mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress(
		[][]byte{
			[]byte("metadata"),
			TokenMetadataProgramID.Bytes(),
			mint.Bytes(),
		},
		TokenMetadataProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("chain: metadata pda: %w", err)
	}
	return address, nil
}

// NewCreateMetadataInstruction builds the CreateMetadataAccountV3 instruction
// for a freshly created mint. The update authority doubles as payer here.
func NewCreateMetadataInstruction(mint, mintAuthority, payer solana.PublicKey, args MetadataArgs) (solana.Instruction, error) {
	metadataAddress, err := FindMetadataAddress(mint)
	if err != nil {
		return nil, err
	}

	data := newBorshWriter()
	data.writeByte(createMetadataAccountV3Discriminator)
	data.writeString(args.Name)
	data.writeString(args.Symbol)
	data.writeString(args.URI)
	data.writeUint16(args.SellerFeeBasisPoints)
	if len(args.Creators) == 0 {
		data.writeByte(0) // creators: None
	} else {
		data.writeByte(1)
		data.writeUint32(uint32(len(args.Creators)))
		for _, creator := range args.Creators {
			data.writeBytes(creator.Address.Bytes())
			data.writeBool(creator.Verified)
			data.writeByte(creator.Share)
		}
	}
	data.writeByte(0)    // collection: None
	data.writeByte(0)    // uses: None
	data.writeBool(true) // is_mutable
	data.writeByte(0)    // collection_details: None

	accounts := solana.AccountMetaSlice{
		solana.Meta(metadataAddress).WRITE(),
		solana.Meta(mint),
		solana.Meta(mintAuthority).SIGNER(),
		solana.Meta(payer).SIGNER().WRITE(),
		solana.Meta(payer).SIGNER(), // update authority
		solana.Meta(solana.SystemProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}

	return solana.NewInstruction(TokenMetadataProgramID, accounts, data.bytes()), nil
}

// borshWriter accumulates little-endian borsh fields.
type borshWriter struct {
	buf []byte
}

func newBorshWriter() *borshWriter {
	return &borshWriter{buf: make([]byte, 0, 256)}
}

func (w *borshWriter) writeByte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *borshWriter) writeBool(v bool) {
	if v {
		w.writeByte(1)
		return
	}
	w.writeByte(0)
}

func (w *borshWriter) writeBytes(raw []byte) {
	w.buf = append(w.buf, raw...)
}

func (w *borshWriter) writeUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *borshWriter) writeUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *borshWriter) writeString(s string) {
	w.writeUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *borshWriter) bytes() []byte {
	return w.buf
}
