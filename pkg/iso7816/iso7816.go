/*
Package iso7816 implements the ISO/IEC 7816-3 T=0 protocol engine of a SIM
tracer together with the ISO/IEC 7816-4, GSM 11.11 and ETSI TS 102 221
structures needed to interpret what travels over it.

# Transmission Parameters

A session starts with the Answer-To-Reset. TA1 announces the card's clock
rate conversion (Fi) and baud rate adjustment (Di), TC2 its waiting integer
(WI). Until a PPS exchange switches to other values, the link runs at
Fd=372, Dd=1 with a waiting time of 9600 ETU. Timing tracks these values;
ATRParser and PPSParser consume the bytes as they arrive on the line.

# TPDUs

Under T=0 every command starts with a five byte header CLA INS P1 P2 P3.
The card answers with procedure bytes:
  - 0x60 (NULL): keep waiting.
  - INS: transfer all remaining data bytes.
  - INS ^ 0xFF: transfer one data byte.
  - 0x6X / 0x9X: SW1, one more byte (SW2) ends the TPDU.

Splitter cuts a sniffed byte stream into TPDUs, Terminal plays the reader
side, and ClassifyCommand / LookupCase tell which way the data flows.

# Status Words

  - 0x9000: Success (OK).
  - 0x61XX / 0x9FXX: Success, XX bytes of response waiting for GET RESPONSE.
  - 0x6CXX: Wrong Le, XX is the correct one.
  - 0x91XX: Success, a proactive command of XX bytes is pending.
  - Other: Various error conditions.

# Usage Example: Reading the IMSI of a GSM SIM

	term := iso7816.NewTerminal(port, resetLine)
	if _, err := term.Reset(ctx, iso7816.ColdReset); err != nil {
	    log.Fatal(err)
	}
	client := iso7816.NewClient(term)
	gsm, _ := iso7816.NewClass(iso7816.GSMClass)

	for _, fid := range []uint16{iso7816.FID_DF_GSM, iso7816.FID_EF_IMSI} {
	    trace, err := client.Send(ctx, iso7816.SelectFile(gsm, fid))
	    if err != nil || !trace.IsSuccess() {
	        log.Fatalf("select %04X failed", fid)
	    }
	    res, _ := iso7816.NewSelectResult(trace)
	    fmt.Println(res.Describe())
	}

	read, _ := iso7816.ReadBinary(gsm, 0, 9)
	trace, _ := client.Send(ctx, read)
	res, _ := iso7816.NewReadResult(trace)
	fmt.Println(res.Describe())
*/
package iso7816
