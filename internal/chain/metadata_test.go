package chain

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestNewCreateMetadataInstructionLayout(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()
	creator := solana.NewWallet().PublicKey()

	args := MetadataArgs{
		Name:                 "Duet",
		Symbol:               "ATLR",
		URI:                  "https://atelier.example/meta/duet.json",
		SellerFeeBasisPoints: 500,
		Creators:             []MetadataCreator{{Address: creator, Share: 60}},
	}

	instruction, err := NewCreateMetadataInstruction(mint, authority, authority, args)
	if err != nil {
		t.Fatalf("build instruction failed: %v", err)
	}
	if !instruction.ProgramID().Equals(TokenMetadataProgramID) {
		t.Fatalf("unexpected program id %s", instruction.ProgramID())
	}

	data, err := instruction.Data()
	if err != nil {
		t.Fatalf("data read failed: %v", err)
	}
	if data[0] != createMetadataAccountV3Discriminator {
		t.Fatalf("expected discriminator %d, got %d", createMetadataAccountV3Discriminator, data[0])
	}

	offset := 1
	readString := func() string {
		length := binary.LittleEndian.Uint32(data[offset:])
		offset += 4
		value := string(data[offset : offset+int(length)])
		offset += int(length)
		return value
	}
	if got := readString(); got != args.Name {
		t.Fatalf("expected name %q, got %q", args.Name, got)
	}
	if got := readString(); got != args.Symbol {
		t.Fatalf("expected symbol %q, got %q", args.Symbol, got)
	}
	if got := readString(); got != args.URI {
		t.Fatalf("expected uri %q, got %q", args.URI, got)
	}
	if got := binary.LittleEndian.Uint16(data[offset:]); got != args.SellerFeeBasisPoints {
		t.Fatalf("expected seller fee %d, got %d", args.SellerFeeBasisPoints, got)
	}
	offset += 2

	if data[offset] != 1 {
		t.Fatalf("expected Some creators marker, got %d", data[offset])
	}
	offset++
	if got := binary.LittleEndian.Uint32(data[offset:]); got != 1 {
		t.Fatalf("expected one creator, got %d", got)
	}
	offset += 4
	if !bytes.Equal(data[offset:offset+32], creator.Bytes()) {
		t.Fatalf("expected creator address in borsh payload")
	}
	offset += 32
	if data[offset] != 0 {
		t.Fatalf("expected unverified creator")
	}
	offset++
	if data[offset] != 60 {
		t.Fatalf("expected creator share 60, got %d", data[offset])
	}
	offset++

	// collection None, uses None, is_mutable true, collection_details None.
	tail := data[offset:]
	if !bytes.Equal(tail, []byte{0, 0, 1, 0}) {
		t.Fatalf("unexpected trailing options %v", tail)
	}
}

func TestNewCreateMetadataInstructionAccounts(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	instruction, err := NewCreateMetadataInstruction(mint, authority, authority, MetadataArgs{Name: "Solo"})
	if err != nil {
		t.Fatalf("build instruction failed: %v", err)
	}

	accounts := instruction.Accounts()
	if len(accounts) != 7 {
		t.Fatalf("expected 7 accounts, got %d", len(accounts))
	}

	expectedPDA, err := FindMetadataAddress(mint)
	if err != nil {
		t.Fatalf("pda derivation failed: %v", err)
	}
	if !accounts[0].PublicKey.Equals(expectedPDA) || !accounts[0].IsWritable {
		t.Fatalf("expected a writable metadata pda first, got %+v", accounts[0])
	}
	if !accounts[2].IsSigner {
		t.Fatalf("expected the mint authority to sign")
	}
	if !accounts[3].IsSigner || !accounts[3].IsWritable {
		t.Fatalf("expected a writable signing payer")
	}
}

func TestFindMetadataAddressIsDeterministic(t *testing.T) {
	mint := solana.NewWallet().PublicKey()

	first, err := FindMetadataAddress(mint)
	if err != nil {
		t.Fatalf("pda derivation failed: %v", err)
	}
	second, err := FindMetadataAddress(mint)
	if err != nil {
		t.Fatalf("pda derivation failed: %v", err)
	}
	if !first.Equals(second) {
		t.Fatalf("expected a stable pda, got %s and %s", first, second)
	}
}

func TestNoneCreatorsMarker(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PublicKey()

	instruction, err := NewCreateMetadataInstruction(mint, authority, authority, MetadataArgs{Name: "Solo"})
	if err != nil {
		t.Fatalf("build instruction failed: %v", err)
	}
	data, err := instruction.Data()
	if err != nil {
		t.Fatalf("data read failed: %v", err)
	}

	// name "Solo", empty symbol and uri, zero seller fee.
	offset := 1 + 4 + len("Solo") + 4 + 4 + 2
	if data[offset] != 0 {
		t.Fatalf("expected None creators marker, got %d", data[offset])
	}
}
